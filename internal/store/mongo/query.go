package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// filterQuery renders a store.Filter as a MongoDB query document
func filterQuery(f store.Filter) bson.M {
	q := bson.M{
		"priority": bson.M{"$gte": f.MinPriority},
	}
	if !f.DueAt.IsZero() {
		q["process_after"] = bson.M{"$lte": f.DueAt}
	}
	if f.Failed {
		q["failed"] = true
	} else if f.Processed != nil {
		q["processed"] = *f.Processed
	}
	if f.Finished != nil {
		q["finished"] = *f.Finished
	}
	switch len(f.Queues) {
	case 0:
	case 1:
		q["qname"] = f.Queues[0]
	default:
		q["qname"] = bson.M{"$in": f.Queues}
	}
	if f.FuncStr != "" {
		q["execute.func_str"] = f.FuncStr
	}
	if f.ClaimedBy != "" {
		q["worker_id"] = f.ClaimedBy
	}
	if len(f.Tags) > 0 {
		// no element outside the filter set
		q["tags"] = bson.M{"$not": bson.M{"$elemMatch": bson.M{"$nin": f.Tags}}}
	}
	return q
}

// mutexClause returns the admission disjunction for a tally, or nil when no
// mutex is currently held
func mutexClause(tally store.MutexTally) bson.A {
	keys := tally.Keys()
	if len(keys) == 0 {
		return nil
	}

	clauses := bson.A{
		bson.M{"mutex": nil},
		bson.M{"mutex.key": bson.M{"$nin": keys}},
	}
	for _, k := range keys {
		clauses = append(clauses, bson.M{
			"mutex.key":   k,
			"mutex.count": bson.M{"$gt": tally[k]},
		})
	}
	return clauses
}

// claimQuery combines the base filter with mutex admission
func claimQuery(f store.Filter, tally store.MutexTally) bson.M {
	q := filterQuery(f)
	if or := mutexClause(tally); or != nil {
		q["$or"] = or
	}
	return q
}

// claimUpdate is the $set applied by a successful claim
func claimUpdate(workerID string, failedMode bool, at time.Time) bson.M {
	set := bson.M{
		"processed":   true,
		"started_at":  at,
		"started_at_": domain.Epoch(at),
		"worker_id":   workerID,
	}
	if failedMode {
		set["failed"] = false
		set["finished"] = false
	}
	return bson.M{"$set": set}
}

// runningMutexPipeline groups claimed-unfinished jobs by mutex key
func runningMutexPipeline() bson.A {
	return bson.A{
		bson.M{"$match": bson.M{
			"processed": true,
			"finished":  false,
			"mutex":     bson.M{"$ne": nil},
		}},
		bson.M{"$group": bson.M{
			"_id":   "$mutex.key",
			"count": bson.M{"$sum": 1},
		}},
	}
}

// fifoSort orders claims oldest first; ids are time ordered and break ties
func fifoSort() bson.D {
	return bson.D{{Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}
}

// cursorQuery restricts a listing to rows after c in the listing order
func cursorQuery(c *store.Cursor, reverse bool) bson.M {
	op := "$gt"
	if reverse {
		op = "$lt"
	}
	return bson.M{"$or": bson.A{
		bson.M{"enqueued_at": bson.M{op: c.EnqueuedAt}},
		bson.M{"enqueued_at": c.EnqueuedAt, "_id": bson.M{op: c.JobID}},
	}}
}
