package domain

import (
	"context"
	"time"
)

// ClaimOptions narrows which jobs a worker slot may claim.
type ClaimOptions struct {
	Kind JobKind
	// LeaseFor is how long the claiming worker holds the job before it is
	// considered stalled and becomes claimable again.
	LeaseFor time.Duration
	// MaxAttempt excludes jobs whose attempt count already reached the retry
	// ceiling; those are failed by the janitor rather than re-claimed.
	MaxAttempt int
}

// JobRepository is the authoritative store for generation jobs. All state
// changes are conditional on the expected current state so that two workers
// can never claim or double-complete the same job.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetForOwner(ctx context.Context, jobID, ownerID string) (*Job, error)

	// ClaimNext atomically moves the best eligible job to processing and
	// returns it. Eligible means queued, or processing with an expired lease
	// (stalled). Ordering is tier rank descending, then created_at ascending.
	// Returns ErrNoJobAvailable when nothing is eligible.
	ClaimNext(ctx context.Context, opts ClaimOptions) (*Job, error)

	// ExtendLease refreshes the liveness lease of a processing job.
	ExtendLease(ctx context.Context, jobID string, leaseFor time.Duration) error

	RecordAttempt(ctx context.Context, jobID string, attempt int) error

	// SetProvider stamps the adapter the worker dispatched the job to. Audit
	// field; written at dispatch, before the first attempt.
	SetProvider(ctx context.Context, jobID, provider string) error

	SetExternalRef(ctx context.Context, jobID, externalRef string) error

	// Complete moves processing -> completed and stores the result. Returns
	// ErrStateConflict when the job is no longer processing (e.g. cancelled
	// while a remote task was still running); the caller must discard the
	// late result.
	Complete(ctx context.Context, jobID string, result JobResult) error

	// Fail moves processing -> failed and stores the error.
	Fail(ctx context.Context, jobID string, jobErr JobError) error

	// Cancel moves queued or processing -> cancelled on behalf of the owner.
	// Returns ErrNotCancellable when the job is already terminal.
	Cancel(ctx context.Context, jobID, ownerID string) (*Job, error)

	// FailExhausted terminally fails processing jobs whose lease expired and
	// whose attempt count reached the ceiling. Returns the affected job ids.
	FailExhausted(ctx context.Context, maxAttempt int) ([]string, error)
}

// UsageEvent is an analytics record written alongside job lifecycle changes.
type UsageEvent struct {
	OwnerID   string
	JobID     string
	EventType string
	Kind      JobKind
	Success   bool
	LatencyMS int64
	Country   string
	Locale    string
}

// UsageRepository persists analytics usage events.
type UsageRepository interface {
	InsertEvent(ctx context.Context, event UsageEvent) error
}
