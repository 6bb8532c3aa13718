package store

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

// Filter is the backend-independent job predicate. Backends render it into
// their own query language; the memory backend evaluates Matches directly.
type Filter struct {
	Queues      []string
	Tags        []string
	MinPriority int

	// Processed selects unclaimed (false), claimed (true) or both (nil).
	// Ignored when Failed is set.
	Processed *bool

	// Failed selects failed jobs regardless of Processed
	Failed bool

	// Finished selects unfinished (false), finished (true) or both (nil)
	Finished *bool

	// DueAt, when set, requires process_after <= DueAt
	DueAt time.Time

	FuncStr   string
	ClaimedBy string
}

// AnyPriority as MinPriority admits every job. It is the smallest value all
// backends store.
const AnyPriority = math.MinInt32

// Bool returns a pointer to b, for Filter.Processed
func Bool(b bool) *bool {
	return &b
}

// ClaimFilter builds the base filter of a claim attempt at now
func ClaimFilter(req ClaimRequest, now time.Time) Filter {
	f := Filter{
		Queues:      req.Queues,
		Tags:        req.Tags,
		MinPriority: req.MinPriority,
		Failed:      req.Failed,
		DueAt:       now,
	}
	if !req.Failed {
		f.Processed = Bool(false)
	}
	return f
}

// RunningFilter selects claimed jobs that have not finished
func RunningFilter() Filter {
	return Filter{
		MinPriority: AnyPriority,
		Processed:   Bool(true),
		Finished:    Bool(false),
	}
}

// BacklogFilter selects unclaimed, due jobs for a set of queues and tags
func BacklogFilter(queues, tags []string, now time.Time) Filter {
	return Filter{
		Queues:    queues,
		Tags:      tags,
		Processed: Bool(false),
		DueAt:     now,
	}
}

// Matches evaluates f against one document
func (f Filter) Matches(doc *domain.JobDocument) bool {
	if doc.Priority < f.MinPriority {
		return false
	}
	if !f.DueAt.IsZero() && doc.ProcessAfter.After(f.DueAt) {
		return false
	}
	if f.Failed {
		if !doc.Failed {
			return false
		}
	} else if f.Processed != nil && doc.Processed != *f.Processed {
		return false
	}
	if f.Finished != nil && doc.Finished != *f.Finished {
		return false
	}
	if len(f.Queues) > 0 && !slices.Contains(f.Queues, doc.QueueName) {
		return false
	}
	if f.FuncStr != "" && doc.Execute.FuncStr != f.FuncStr {
		return false
	}
	if f.ClaimedBy != "" && doc.ClaimedBy != f.ClaimedBy {
		return false
	}
	return TagsCompatible(doc.Tags, f.Tags)
}

// TagsCompatible reports whether a job carrying jobTags may be processed by
// a worker filtering on filterTags: every job tag must appear in the filter.
// An empty filter accepts every job and a job without tags is always accepted.
func TagsCompatible(jobTags, filterTags []string) bool {
	if len(filterTags) == 0 {
		return true
	}
	for _, t := range jobTags {
		if !slices.Contains(filterTags, t) {
			return false
		}
	}
	return true
}

// MutexTally maps a mutex key to the number of claimed-but-unfinished jobs
// holding it. It is a point-in-time snapshot, not a reservation.
type MutexTally map[string]int

// TallyRunning builds a tally from a set of documents, counting only the
// running ones that carry a mutex
func TallyRunning(docs []*domain.JobDocument) MutexTally {
	tally := MutexTally{}
	for _, d := range docs {
		if !d.Running() || d.Mutex == nil || d.Mutex.Key == "" {
			continue
		}
		tally[d.Mutex.Key]++
	}
	return tally
}

// Admits reports whether a job with mutex m may be claimed given the tally
func (t MutexTally) Admits(m *domain.Mutex) bool {
	if m == nil || m.Key == "" {
		return true
	}
	running, ok := t[m.Key]
	if !ok {
		return true
	}
	return running < m.Count
}

// Keys returns the tallied keys in sorted order
func (t MutexTally) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
