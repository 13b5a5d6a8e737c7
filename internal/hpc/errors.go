package hpc

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountingUnavailable is returned when status queries keep failing past the retry budget
	ErrAccountingUnavailable = errors.New("accounting unavailable")

	// ErrAuthentication is returned when the gateway rejects the configured credentials
	ErrAuthentication = errors.New("authentication failed")
)

// SubmissionError is returned when the remote scheduler rejects an upload or a submit
type SubmissionError struct {
	Site       string
	StatusCode int
	Body       string // response body for diagnostics
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission to %s failed: %v", e.Site, e.Err)
	}
	return fmt.Sprintf("submission to %s failed with status %d: %s", e.Site, e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsSubmissionError reports whether err is or wraps a SubmissionError
func IsSubmissionError(err error) bool {
	var subErr *SubmissionError
	return errors.As(err, &subErr)
}
