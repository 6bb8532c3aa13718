package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// ── workers ──────────────────────────────────────────────────────

// RegisterWorker inserts a worker document
func (s *Store) RegisterWorker(ctx context.Context, doc *domain.WorkerDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	if _, err := s.workers().InsertOne(ctx, doc); err != nil {
		return wrap("register worker", err)
	}
	return nil
}

// CheckIn stamps the heartbeat and reads back the terminate request in one
// round trip
func (s *Store) CheckIn(ctx context.Context, workerID string, at time.Time) (domain.CheckInResult, error) {
	update := bson.M{"$set": bson.M{"check-in": at, "working": true}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"terminate": 1, "terminate_status": 1})

	var doc struct {
		Terminate       bool `bson:"terminate"`
		TerminateStatus int  `bson:"terminate_status"`
	}
	err := s.workers().FindOneAndUpdate(ctx, bson.M{"_id": workerID}, update, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return domain.CheckInResult{}, nil
		}
		return domain.CheckInResult{}, wrap("check in", err)
	}
	return domain.CheckInResult{Terminate: doc.Terminate, TerminateStatus: doc.TerminateStatus}, nil
}

// UnregisterWorker marks a worker finished
func (s *Store) UnregisterWorker(ctx context.Context, workerID string, at time.Time) error {
	res, err := s.workers().UpdateOne(ctx,
		bson.M{"_id": workerID},
		bson.M{"$set": bson.M{"working": false, "finished": at}},
	)
	if err != nil {
		return wrap("unregister worker", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// GetWorker returns one worker document
func (s *Store) GetWorker(ctx context.Context, workerID string) (*domain.WorkerDocument, error) {
	var doc domain.WorkerDocument
	if err := s.workers().FindOne(ctx, bson.M{"_id": workerID}).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, wrap("get worker", err)
	}
	return &doc, nil
}

// FindWorkerByName returns the most recently started worker with name
func (s *Store) FindWorkerByName(ctx context.Context, name string) (*domain.WorkerDocument, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "started", Value: -1}})
	var doc domain.WorkerDocument
	if err := s.workers().FindOne(ctx, bson.M{"name": name}, opts).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, wrap("find worker", err)
	}
	return &doc, nil
}

// ListWorkers lists workers ordered by start time
func (s *Store) ListWorkers(ctx context.Context, workingOnly bool) ([]*domain.WorkerDocument, error) {
	q := bson.M{}
	if workingOnly {
		q["working"] = true
	}
	cursor, err := s.workers().Find(ctx, q, options.Find().SetSort(bson.D{{Key: "started", Value: 1}}))
	if err != nil {
		return nil, wrap("list workers", err)
	}
	defer cursor.Close(ctx)

	docs := make([]*domain.WorkerDocument, 0)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list workers decode", err)
	}
	return docs, nil
}

// RequestShutdown sets the terminate flag on matching working workers
func (s *Store) RequestShutdown(ctx context.Context, sel store.ShutdownSelector, status int) (int64, error) {
	q := bson.M{"working": true}
	if sel.WorkerID != "" {
		q["_id"] = sel.WorkerID
	}
	if sel.Host != "" {
		q["host"] = sel.Host
	}
	if sel.Name != "" {
		q["name"] = sel.Name
	}
	res, err := s.workers().UpdateMany(ctx, q, bson.M{"$set": bson.M{
		"terminate":        true,
		"terminate_status": status,
	}})
	if err != nil {
		return 0, wrap("request shutdown", err)
	}
	return res.ModifiedCount, nil
}

// ResetWorking flags every working worker as not working
func (s *Store) ResetWorking(ctx context.Context) (int64, error) {
	res, err := s.workers().UpdateMany(ctx, bson.M{"working": true}, bson.M{"$set": bson.M{"working": false}})
	if err != nil {
		return 0, wrap("reset working", err)
	}
	return res.ModifiedCount, nil
}

// ── schedule rules ───────────────────────────────────────────────

// InsertRule stores a rule
func (s *Store) InsertRule(ctx context.Context, doc *domain.RuleDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	if _, err := s.schedule().InsertOne(ctx, doc); err != nil {
		return wrap("insert rule", err)
	}
	return nil
}

// GetRule returns one rule
func (s *Store) GetRule(ctx context.Context, ruleID string) (*domain.RuleDocument, error) {
	var doc domain.RuleDocument
	if err := s.schedule().FindOne(ctx, bson.M{"_id": ruleID}).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrRuleNotFound
		}
		return nil, wrap("get rule", err)
	}
	return &doc, nil
}

func (s *Store) findRules(ctx context.Context, q bson.M) ([]*domain.RuleDocument, error) {
	cursor, err := s.schedule().Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created", Value: 1}}))
	if err != nil {
		return nil, wrap("list rules", err)
	}
	defer cursor.Close(ctx)

	docs := make([]*domain.RuleDocument, 0)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list rules decode", err)
	}
	return docs, nil
}

// ListRules returns every rule
func (s *Store) ListRules(ctx context.Context) ([]*domain.RuleDocument, error) {
	return s.findRules(ctx, bson.M{})
}

// ActiveRules returns unpaused, active rules
func (s *Store) ActiveRules(ctx context.Context) ([]*domain.RuleDocument, error) {
	return s.findRules(ctx, bson.M{"paused": false, "active": true})
}

// AdvanceRule moves checked from expected to next. The filter on the old
// value makes this a test-and-set across scheduler processes.
func (s *Store) AdvanceRule(ctx context.Context, ruleID string, expected, next time.Time) (bool, error) {
	res, err := s.schedule().UpdateOne(ctx,
		bson.M{"_id": ruleID, "checked": expected},
		bson.M{"$set": bson.M{"checked": next}},
	)
	if err != nil {
		return false, wrap("advance rule", err)
	}
	return res.ModifiedCount == 1, nil
}

// UpdateRule applies the non-nil fields of upd
func (s *Store) UpdateRule(ctx context.Context, ruleID string, upd store.RuleUpdate) error {
	set := bson.M{"modified": domain.Now()}
	if upd.Rule != nil {
		set["rule"] = *upd.Rule
	}
	if upd.Task != nil {
		set["task"] = *upd.Task
	}
	if upd.Queue != nil {
		set["queue"] = *upd.Queue
	}
	if upd.Tags != nil {
		set["tags"] = upd.Tags
	}
	if upd.Paused != nil {
		set["paused"] = *upd.Paused
	}
	res, err := s.schedule().UpdateOne(ctx, bson.M{"_id": ruleID}, bson.M{"$set": set})
	if err != nil {
		return wrap("update rule", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

// RemoveRule deletes a rule
func (s *Store) RemoveRule(ctx context.Context, ruleID string) error {
	res, err := s.schedule().DeleteOne(ctx, bson.M{"_id": ruleID})
	if err != nil {
		return wrap("remove rule", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

// ── logs ─────────────────────────────────────────────────────────

// logSeqCounter is the counters document that numbers log entries
const logSeqCounter = "log_seq"

// nextLogSeq increments the shared log counter. The counter lives in the
// store, so seq is increasing across hosts regardless of their clocks.
func (s *Store) nextLogSeq(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var c struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters().FindOneAndUpdate(ctx,
		bson.M{"_id": logSeqCounter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&c)
	if err != nil {
		return 0, wrap("next log seq", err)
	}
	return c.Seq, nil
}

// AppendLog inserts into the capped log collection with the next value of
// the log counter as seq
func (s *Store) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = domain.NewID()
	}
	if entry.Time.IsZero() {
		entry.Time = domain.Now()
	}
	if entry.Seq == 0 {
		seq, err := s.nextLogSeq(ctx)
		if err != nil {
			return err
		}
		entry.Seq = seq
	}
	if _, err := s.logs().InsertOne(ctx, entry); err != nil {
		return wrap("append log", err)
	}
	return nil
}

// ReadLogs returns entries for a job or worker after q.AfterSeq
func (s *Store) ReadLogs(ctx context.Context, q store.LogQuery) ([]*domain.LogEntry, error) {
	filter := bson.M{"seq": bson.M{"$gt": q.AfterSeq}}
	if q.JobID != "" {
		filter["job_id"] = q.JobID
	}
	if q.WorkerID != "" {
		filter["worker_id"] = q.WorkerID
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.logs().Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("read logs", err)
	}
	defer cursor.Close(ctx)

	entries := make([]*domain.LogEntry, 0)
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, wrap("read logs decode", err)
	}
	return entries, nil
}
