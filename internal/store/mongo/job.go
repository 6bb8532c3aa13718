package mongo

import (
	"context"
	"log/slog"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// InsertJob persists a new job, assigning an ID if needed
func (s *Store) InsertJob(ctx context.Context, doc *domain.JobDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	if _, err := s.jobs().InsertOne(ctx, doc); err != nil {
		return wrap("insert job", err)
	}
	return nil
}

// MutexTally counts claimed-unfinished jobs per mutex key
func (s *Store) MutexTally(ctx context.Context) (store.MutexTally, error) {
	cursor, err := s.jobs().Aggregate(ctx, runningMutexPipeline())
	if err != nil {
		return nil, wrap("mutex tally", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Key   string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, wrap("mutex tally decode", err)
	}

	tally := store.MutexTally{}
	for _, r := range rows {
		tally[r.Key] = r.Count
	}
	return tally, nil
}

// Claim atomically claims the oldest eligible job. The mutex tally is read
// first and folded into the filter; FindOneAndUpdate provides the atomicity.
func (s *Store) Claim(ctx context.Context, req store.ClaimRequest) (*domain.JobDocument, error) {
	tally, err := s.MutexTally(ctx)
	if err != nil {
		return nil, err
	}

	now := domain.Now()
	filter := claimQuery(store.ClaimFilter(req, now), tally)
	update := claimUpdate(req.WorkerID, req.Failed, now)

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(fifoSort())

	var doc domain.JobDocument
	err = s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, wrap("claim job", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", doc.ID),
		slog.String("worker_id", req.WorkerID),
	)
	return &doc, nil
}

// ClaimByID claims one job regardless of its claim state
func (s *Store) ClaimByID(ctx context.Context, jobID, workerID string) (*domain.JobDocument, error) {
	update := claimUpdate(workerID, true, domain.Now())
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc domain.JobDocument
	err := s.jobs().FindOneAndUpdate(ctx, bson.M{"_id": jobID}, update, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("claim job by id", err)
	}
	return &doc, nil
}

// GetJob retrieves a live job by ID
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobDocument, error) {
	var doc domain.JobDocument
	if err := s.jobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("get job", err)
	}
	return &doc, nil
}

// GetArchivedJob retrieves a finished job from the capped archive
func (s *Store) GetArchivedJob(ctx context.Context, jobID string) (*domain.JobDocument, error) {
	var doc domain.JobDocument
	if err := s.archive().FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("get archived job", err)
	}
	return &doc, nil
}

// FinishJob finalizes a job. A successful job is copied into the archive and
// then removed from the live collection.
func (s *Store) FinishJob(ctx context.Context, jobID string, failed bool) error {
	now := domain.Now()
	update := bson.M{"$set": bson.M{
		"processed":    true,
		"finished":     true,
		"failed":       failed,
		"finished_at":  now,
		"finished_at_": domain.Epoch(now),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc domain.JobDocument
	err := s.jobs().FindOneAndUpdate(ctx, bson.M{"_id": jobID}, update, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			// a retried finish whose first attempt already moved the job
			if !failed && s.archive().FindOne(ctx, bson.M{"_id": jobID}).Err() == nil {
				return nil
			}
			return domain.ErrJobNotFound
		}
		return wrap("finish job", err)
	}
	if failed {
		return nil
	}

	if _, err := s.archive().InsertOne(ctx, &doc); err != nil && !isDuplicateKey(err) {
		return wrap("archive job", err)
	}
	if _, err := s.jobs().DeleteOne(ctx, bson.M{"_id": jobID}); err != nil {
		return wrap("remove archived job", err)
	}
	return nil
}

// RequeueJob marks a job unclaimed again
func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	res, err := s.jobs().UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": bson.M{"processed": false}})
	if err != nil {
		return wrap("requeue job", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// CountJobs counts live jobs matching f
func (s *Store) CountJobs(ctx context.Context, f store.Filter) (int64, error) {
	n, err := s.jobs().CountDocuments(ctx, filterQuery(f))
	if err != nil {
		return 0, wrap("count jobs", err)
	}
	return n, nil
}

// ListJobs lists live jobs matching f ordered by (enqueued_at, _id)
func (s *Store) ListJobs(ctx context.Context, f store.Filter, opts store.ListOptions) ([]*domain.JobDocument, error) {
	q := filterQuery(f)
	if opts.Cursor != nil {
		q["$and"] = bson.A{cursorQuery(opts.Cursor, opts.Reverse)}
	}

	dir := 1
	if opts.Reverse {
		dir = -1
	}
	findOpts := options.Find().SetSort(bson.D{
		{Key: "enqueued_at", Value: dir},
		{Key: "_id", Value: dir},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.jobs().Find(ctx, q, findOpts)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	defer cursor.Close(ctx)

	docs := make([]*domain.JobDocument, 0)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list jobs decode", err)
	}
	return docs, nil
}

func (s *Store) distinct(ctx context.Context, field string, filter bson.M) ([]string, error) {
	res := s.jobs().Distinct(ctx, field, filter)
	if err := res.Err(); err != nil {
		return nil, wrap("distinct "+field, err)
	}
	var values []string
	if err := res.Decode(&values); err != nil {
		return nil, wrap("distinct "+field+" decode", err)
	}
	sort.Strings(values)
	return values, nil
}

// DistinctQueues lists queue names present in the live collection
func (s *Store) DistinctQueues(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "qname", bson.M{})
}

// DistinctTags lists the tags used by jobs in one queue
func (s *Store) DistinctTags(ctx context.Context, queueName string) ([]string, error) {
	return s.distinct(ctx, "tags", bson.M{"qname": queueName})
}

// ResetFailed flags failed jobs as fixed
func (s *Store) ResetFailed(ctx context.Context, sel store.FailedSelector) (int64, error) {
	q := bson.M{"failed": true}
	if sel.JobID != "" {
		q["_id"] = sel.JobID
	}
	if sel.FuncStr != "" {
		q["execute.func_str"] = sel.FuncStr
	}
	res, err := s.jobs().UpdateMany(ctx, q, bson.M{"$set": bson.M{"failed": false}})
	if err != nil {
		return 0, wrap("reset failed", err)
	}
	return res.ModifiedCount, nil
}

// ForceFinish flags an unfinished job as finished without archiving it
func (s *Store) ForceFinish(ctx context.Context, jobID string) (int64, error) {
	now := domain.Now()
	res, err := s.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "finished": false},
		bson.M{"$set": bson.M{
			"finished":     true,
			"finished_at":  now,
			"finished_at_": domain.Epoch(now),
		}},
	)
	if err != nil {
		return 0, wrap("force finish", err)
	}
	return res.ModifiedCount, nil
}

// CountClaimedBy counts live and archived jobs claimed by a worker
func (s *Store) CountClaimedBy(ctx context.Context, workerID string) (int64, error) {
	q := bson.M{"worker_id": workerID}
	live, err := s.jobs().CountDocuments(ctx, q)
	if err != nil {
		return 0, wrap("count claimed", err)
	}
	done, err := s.archive().CountDocuments(ctx, q)
	if err != nil {
		return 0, wrap("count archived claimed", err)
	}
	return live + done, nil
}

// LastJobFor returns the most recently enqueued live job claimed by a worker
func (s *Store) LastJobFor(ctx context.Context, workerID string) (*domain.JobDocument, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "enqueued_at", Value: -1}})
	var doc domain.JobDocument
	if err := s.jobs().FindOne(ctx, bson.M{"worker_id": workerID}, opts).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("last job for worker", err)
	}
	return &doc, nil
}
