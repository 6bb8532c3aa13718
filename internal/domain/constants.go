package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueueName is used when a queue is created without a name
	DefaultQueueName = "default"

	// Unclaimed is stored in claimed_by until a worker claims the job.
	// It is not empty so store queries never have to test for null.
	Unclaimed = "-"

	// DefaultCollectionBase prefixes every collection/table name
	DefaultCollectionBase = "taskq"
)

// Job status names used by list filters and the HTTP API
const (
	JobStatusPending  = "pending"
	JobStatusRunning  = "running"
	JobStatusFailed   = "failed"
	JobStatusFinished = "finished"
	JobStatusAll      = "all"
)

// NullTime is the sentinel for started_at/finished_at before they are set
var NullTime = time.Unix(0, 0).UTC()

// Now returns the current UTC time truncated to millisecond precision,
// the finest precision every supported store round-trips exactly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Epoch converts t to fractional unix seconds for aggregation fields
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NewID returns a time-ordered UUIDv7 string. IDs minted by one process
// sort in creation order, which breaks enqueued_at ties in FIFO order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
