package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// RetryError is returned by Retry once the policy stops retrying
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

// Is makes errors.Is(err, ErrMaxRetriesExceeded) hold for every RetryError.
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
