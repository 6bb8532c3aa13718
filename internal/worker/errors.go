package worker

import (
	"errors"
	"fmt"
)

// ErrRetryLimitReached wraps the last store error once connectivity
// retries are exhausted
var ErrRetryLimitReached = errors.New("retry limit reached")

// ExitError is returned by Work when a shutdown was requested through the
// worker registry. Status is the process exit status the requester asked for.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("shutdown requested with status %d", e.Status)
}

// ExitStatus maps an error returned by Work or Pool.Run to a process exit
// status
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Status
	}
	return 1
}
