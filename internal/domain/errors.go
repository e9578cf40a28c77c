package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrUnsupportedTier   = errors.New("unsupported tier")
	ErrNotCancellable    = errors.New("job not cancellable")
	ErrStateConflict     = errors.New("job state conflict")
	ErrNoJobAvailable    = errors.New("no job available")
	ErrQuotaStoreDown    = errors.New("quota store unavailable")
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrProviderFailure   = errors.New("provider failure")
	ErrTerminalStateEdit = errors.New("terminal state cannot be modified")
)

// Stable error codes written into JobError.Code and surfaced to clients.
const (
	ErrCodeDailyLimit      = "DAILY_LIMIT_EXCEEDED"
	ErrCodeProviderAuth    = "PROVIDER_AUTH"
	ErrCodeInvalidInput    = "PROVIDER_INVALID_INPUT"
	ErrCodeTransient       = "PROVIDER_TRANSIENT"
	ErrCodePollTimeout     = "POLL_TIMEOUT"
	ErrCodeCancelled       = "CANCELLED_BY_USER"
	ErrCodeStalled         = "WORKER_STALLED"
	ErrCodeUnchangedOutput = "UNCHANGED_OUTPUT"
)
