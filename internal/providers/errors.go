package providers

import (
	"errors"
	"fmt"

	"scenefit/internal/domain"
)

// ErrorKind classifies adapter failures for the retry policy.
type ErrorKind int

const (
	// ErrorTransient covers network failures and provider 5xx responses.
	// Retryable up to the policy ceiling.
	ErrorTransient ErrorKind = iota
	// ErrorAuth means the provider rejected our credentials. Never retried;
	// surfaced distinctly so operators can tell configuration problems from
	// model failures.
	ErrorAuth
	// ErrorInvalidInput means the provider rejected the request payload.
	// Never retried.
	ErrorInvalidInput
	// ErrorTimeout means the polling ceiling was exceeded. Terminal.
	ErrorTimeout
	// ErrorUnchanged means the provider silently returned the target scene
	// unmodified. Retried once with a stricter instruction variant.
	ErrorUnchanged
)

// Error is a classified adapter failure. Message is safe for clients; the
// wrapped cause may carry raw provider detail for operator logs only.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the retry policy may re-invoke the adapter.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorTransient || e.Kind == ErrorUnchanged
}

// Code maps the error kind to the stable code written into the job record.
func (e *Error) Code() string {
	switch e.Kind {
	case ErrorAuth:
		return domain.ErrCodeProviderAuth
	case ErrorInvalidInput:
		return domain.ErrCodeInvalidInput
	case ErrorTimeout:
		return domain.ErrCodePollTimeout
	case ErrorUnchanged:
		return domain.ErrCodeUnchangedOutput
	default:
		return domain.ErrCodeTransient
	}
}

func NewTransientError(message string, cause error) *Error {
	return &Error{Kind: ErrorTransient, Message: message, cause: cause}
}

func NewAuthError(message string, cause error) *Error {
	return &Error{Kind: ErrorAuth, Message: message, cause: cause}
}

func NewInvalidInputError(message string, cause error) *Error {
	return &Error{Kind: ErrorInvalidInput, Message: message, cause: cause}
}

func NewTimeoutError(message string) *Error {
	return &Error{Kind: ErrorTimeout, Message: message}
}

func NewUnchangedOutputError(message string) *Error {
	return &Error{Kind: ErrorUnchanged, Message: message}
}

// Classify coerces any error into a classified provider error. Unknown errors
// are treated as transient so a flaky provider gets the benefit of the retry
// ceiling rather than an immediate terminal failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewTransientError("provider call failed", err)
}
