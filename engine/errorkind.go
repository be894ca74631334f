package engine

import (
	"context"
	"strings"

	"github.com/kriegcloud/kgforge/errors"
)

// ErrorKind is a closed classification of workflow failures. Every error
// crossing the handler boundary is folded into exactly one kind; the kind
// alone decides whether the engine retries. New kinds must be added to
// Retryable, Recoverable, and Classify together.
type ErrorKind string

const (
	ErrKindNetwork     ErrorKind = "network"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindValidation  ErrorKind = "validation"
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindParse       ErrorKind = "parse"
	ErrKindDatabase    ErrorKind = "database"
	ErrKindProvider    ErrorKind = "provider"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindInternal    ErrorKind = "internal"
)

// Retryable reports whether the engine should re-queue an execution that
// failed with this kind. Transient infrastructure trouble retries;
// deterministic failures and cancellations do not.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindRateLimited, ErrKindProvider:
		return true
	case ErrKindValidation, ErrKindNotFound, ErrKindParse,
		ErrKindDatabase, ErrKindCancelled, ErrKindInternal:
		return false
	default:
		return false
	}
}

// Recoverable reports whether an operator can fix the failure and resume,
// as opposed to the batch being permanently broken.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindRateLimited,
		ErrKindProvider, ErrKindDatabase, ErrKindCancelled:
		return true
	case ErrKindValidation, ErrKindNotFound, ErrKindParse, ErrKindInternal:
		return false
	default:
		return false
	}
}

// ErrorContext carries structured failure details from the handler
// boundary to logs, the executions journal, and event subscribers.
type ErrorContext struct {
	Stage       string    `json:"stage,omitempty"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
	Recoverable bool      `json:"recoverable"`
}

// Classify folds an arbitrary handler error into an ErrorContext.
// Sentinel errors are checked first; string matching is the fallback for
// errors that arrive from third-party clients without typed causes.
func Classify(err error, stage string) ErrorContext {
	kind := classifyKind(err)
	return ErrorContext{
		Stage:       stage,
		Kind:        kind,
		Message:     err.Error(),
		Retryable:   kind.Retryable(),
		Recoverable: kind.Recoverable(),
	}
}

func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, errors.ErrTimeout):
		return ErrKindTimeout
	case errors.Is(err, errors.ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		return ErrKindValidation
	case errors.Is(err, errors.ErrServiceUnavailable):
		return ErrKindProvider
	case errors.Is(err, errors.ErrConflict):
		return ErrKindDatabase
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "status 429"):
		return ErrKindRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrKindTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return ErrKindNetwork
	case strings.Contains(msg, "validation") || strings.Contains(msg, "constraint violation") ||
		strings.Contains(msg, "shacl"):
		return ErrKindValidation
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "invalid json") || strings.Contains(msg, "unexpected token"):
		return ErrKindParse
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite") ||
		strings.Contains(msg, "sql:"):
		return ErrKindDatabase
	case strings.Contains(msg, "status 500") || strings.Contains(msg, "status 502") ||
		strings.Contains(msg, "status 503") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "model is busy"):
		return ErrKindProvider
	case strings.Contains(msg, "cancel"):
		return ErrKindCancelled
	default:
		return ErrKindInternal
	}
}

// RetryableError forces a retry for errors whose kind would otherwise be
// terminal. Handlers wrap an error in this when they know the failure is
// transient regardless of what Classify would conclude.
type RetryableError struct {
	Err   error
	Stage string
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an error to force engine-level retry.
func NewRetryableError(stage string, err error) *RetryableError {
	return &RetryableError{Err: err, Stage: stage}
}

// IsForcedRetry extracts a RetryableError from err's chain if present.
func IsForcedRetry(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
