package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrStaleState is returned when a conditional update finds the job in a different state
	ErrStaleState = errors.New("job state changed concurrently")

	// ErrInvalidPayload is returned when a task message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnsupportedJobType is returned for job types without a registered variant
	ErrUnsupportedJobType = errors.New("unsupported job type")

	// ErrMissingCorrelationID is returned when a delivery carries no correlation id
	ErrMissingCorrelationID = errors.New("missing correlation id")

	// ErrNoSiteAvailable is returned when every configured execution site is down
	ErrNoSiteAvailable = errors.New("no execution site available")

	// ErrDependencyNotReady is returned when a dependency has no external handle yet
	ErrDependencyNotReady = errors.New("dependency not ready")

	// ErrNotRequeueable is returned when an operator requeue targets a job that is not dead-lettered or failed
	ErrNotRequeueable = errors.New("job is not in a requeueable state")
)

// RetryableError wraps transient connectivity errors that should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is or wraps a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
