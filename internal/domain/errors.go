package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound is returned when a worker registry entry cannot be found
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrRuleNotFound is returned when a schedule rule cannot be found
	ErrRuleNotFound = errors.New("schedule rule not found")

	// ErrInvalidTarget is returned when an enqueue target is neither a
	// string nor a function value
	ErrInvalidTarget = errors.New("invalid enqueue target")

	// ErrInvalidArguments is returned when args is not a sequence or
	// kwargs is not a string-keyed mapping
	ErrInvalidArguments = errors.New("invalid task arguments")

	// ErrTaskNotFound is returned when a callable reference cannot be resolved
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidRule is returned when a recurrence rule cannot be parsed
	ErrInvalidRule = errors.New("invalid recurrence rule")

	// ErrStoreUnavailable marks transient connectivity failures talking to
	// the shared store. Loops retry these with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// UnavailableError wraps a backend connectivity error so that it matches
// ErrStoreUnavailable while keeping the driver error reachable
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "store unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is reports ErrStoreUnavailable as a match
func (e *UnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewUnavailableError creates a new connectivity error
func NewUnavailableError(err error) error {
	return &UnavailableError{Err: err}
}

// IsUnavailable reports whether err is a transient store connectivity error
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
