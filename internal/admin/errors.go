package admin

import "errors"

var (
	// ErrInvalidStatus is returned for an unknown job status filter
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrNoTailTarget is returned when Tail names neither a job nor a worker
	ErrNoTailTarget = errors.New("no job or worker to tail")
)
