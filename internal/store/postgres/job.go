package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/shared/postgresql"
)

// InsertJob persists a new job, assigning an ID if needed
func (s *Storage) InsertJob(ctx context.Context, doc *domain.JobDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	row, err := toJobRow(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + s.queueTable() + ` (` + jobColumns + `)
		VALUES (:id, :queue_name, :tags, :priority, :func_str, :args, :kwargs,
			:enqueued_at, :enqueued_at_epoch, :started_at, :started_at_epoch,
			:finished_at, :finished_at_epoch, :process_after, :processed, :failed, :finished,
			:timeout_ns, :claimed_by, :mutex_key, :mutex_count)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return wrap("insert job", err)
	}
	return nil
}

// MutexTally counts claimed-unfinished jobs per mutex key
func (s *Storage) MutexTally(ctx context.Context) (store.MutexTally, error) {
	query := `
		SELECT mutex_key, COUNT(*) AS running
		FROM ` + s.queueTable() + `
		WHERE processed AND NOT finished AND mutex_key IS NOT NULL
		GROUP BY mutex_key
	`
	var rows []struct {
		Key     string `db:"mutex_key"`
		Running int    `db:"running"`
	}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, wrap("read mutex tally", err)
	}

	tally := store.MutexTally{}
	for _, r := range rows {
		tally[r.Key] = r.Running
	}
	return tally, nil
}

// Claim atomically claims the oldest eligible job. Returns nil when nothing
// matched.
func (s *Storage) Claim(ctx context.Context, req store.ClaimRequest) (*domain.JobDocument, error) {
	tally, err := s.MutexTally(ctx)
	if err != nil {
		return nil, err
	}

	now := domain.Now()
	w := filterWhere(store.ClaimFilter(req, now))
	w.addMutex(tally)

	query := rebind(claimSQL(s.queueTable(), w, req.Failed))
	args := append([]any{now, domain.Epoch(now), req.WorkerID}, w.args...)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrap("claim job", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID),
		slog.String("worker_id", req.WorkerID),
	)
	return row.toDocument()
}

// ClaimByID claims one job regardless of its claim state
func (s *Storage) ClaimByID(ctx context.Context, jobID, workerID string) (*domain.JobDocument, error) {
	now := domain.Now()
	query := `
		UPDATE ` + s.queueTable() + `
		SET processed = TRUE, failed = FALSE, finished = FALSE,
		    started_at = $1, started_at_epoch = $2, claimed_by = $3
		WHERE id = $4
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, now, domain.Epoch(now), workerID, jobID); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("claim job by id", err)
	}
	return row.toDocument()
}

func (s *Storage) getFrom(ctx context.Context, table, jobID string) (*domain.JobDocument, error) {
	query := `SELECT ` + jobColumns + ` FROM ` + table + ` WHERE id = $1`
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("get job", err)
	}
	return row.toDocument()
}

// GetJob retrieves a live job by ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.JobDocument, error) {
	return s.getFrom(ctx, s.queueTable(), jobID)
}

// GetArchivedJob retrieves a finished job from the archive
func (s *Storage) GetArchivedJob(ctx context.Context, jobID string) (*domain.JobDocument, error) {
	return s.getFrom(ctx, s.archiveTable(), jobID)
}

// FinishJob finalizes a job. A successful job moves into the archive in
// the same transaction; the archive is then trimmed to its byte budget.
func (s *Storage) FinishJob(ctx context.Context, jobID string, failed bool) error {
	now := domain.Now()
	update := `
		UPDATE ` + s.queueTable() + `
		SET processed = TRUE, finished = TRUE, failed = $1,
		    finished_at = $2, finished_at_epoch = $3
		WHERE id = $4
	`
	if failed {
		res, err := s.db.ExecContext(ctx, update, true, now, domain.Epoch(now), jobID)
		if err != nil {
			return wrap("finish job", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	}

	var archived int64
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, update, false, now, domain.Epoch(now), jobID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrJobNotFound
		}
		move := `
			WITH moved AS (
				DELETE FROM ` + s.queueTable() + ` WHERE id = $1 RETURNING *
			)
			INSERT INTO ` + s.archiveTable() + ` AS a (` + jobColumns + `)
			SELECT ` + jobColumns + ` FROM moved
			RETURNING pg_column_size(a.*)
		`
		return tx.GetContext(ctx, &archived, move, jobID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return wrap("finish job", err)
	}

	if s.archiveGate.add(archived) {
		s.trim(ctx, s.db, s.archiveTable(), s.archiveBudget)
	}
	return nil
}

// RequeueJob marks a job unclaimed again
func (s *Storage) RequeueJob(ctx context.Context, jobID string) error {
	query := `UPDATE ` + s.queueTable() + ` SET processed = FALSE WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return wrap("requeue job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// CountJobs counts live jobs matching f
func (s *Storage) CountJobs(ctx context.Context, f store.Filter) (int64, error) {
	w := filterWhere(f)
	query := rebind(`SELECT COUNT(*) FROM ` + s.queueTable() + ` WHERE ` + w.sql())

	var n int64
	if err := s.db.GetContext(ctx, &n, query, w.args...); err != nil {
		return 0, wrap("count jobs", err)
	}
	return n, nil
}

// ListJobs lists live jobs matching f ordered by (enqueued_at, id)
func (s *Storage) ListJobs(ctx context.Context, f store.Filter, opts store.ListOptions) ([]*domain.JobDocument, error) {
	w := filterWhere(f)
	if opts.Cursor != nil {
		w.addCursor(opts.Cursor, opts.Reverse)
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	query := `SELECT ` + jobColumns + ` FROM ` + s.queueTable() +
		` WHERE ` + w.sql() +
		` ORDER BY enqueued_at ` + order + `, id ` + order
	args := w.args
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, rebind(query), args...); err != nil {
		return nil, wrap("list jobs", err)
	}
	return toDocuments(rows)
}

// DistinctQueues lists queue names present in the live table
func (s *Storage) DistinctQueues(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT queue_name FROM ` + s.queueTable() + ` ORDER BY queue_name`
	names := []string{}
	if err := s.db.SelectContext(ctx, &names, query); err != nil {
		return nil, wrap("list queues", err)
	}
	return names, nil
}

// DistinctTags lists the tags used by jobs in one queue
func (s *Storage) DistinctTags(ctx context.Context, queueName string) ([]string, error) {
	query := `
		SELECT DISTINCT tag FROM ` + s.queueTable() + `, unnest(tags) AS tag
		WHERE queue_name = $1
		ORDER BY tag
	`
	tags := []string{}
	if err := s.db.SelectContext(ctx, &tags, query, queueName); err != nil {
		return nil, wrap("list tags", err)
	}
	return tags, nil
}

// ResetFailed flags failed jobs as fixed
func (s *Storage) ResetFailed(ctx context.Context, sel store.FailedSelector) (int64, error) {
	w := &where{}
	w.add("failed")
	if sel.JobID != "" {
		w.add("id = ?", sel.JobID)
	}
	if sel.FuncStr != "" {
		w.add("func_str = ?", sel.FuncStr)
	}
	query := rebind(`UPDATE ` + s.queueTable() + ` SET failed = FALSE WHERE ` + w.sql())

	res, err := s.db.ExecContext(ctx, query, w.args...)
	if err != nil {
		return 0, wrap("reset failed jobs", err)
	}
	return res.RowsAffected()
}

// ForceFinish flags an unfinished job as finished without archiving it
func (s *Storage) ForceFinish(ctx context.Context, jobID string) (int64, error) {
	now := domain.Now()
	query := `
		UPDATE ` + s.queueTable() + `
		SET finished = TRUE, finished_at = $1, finished_at_epoch = $2
		WHERE id = $3 AND NOT finished
	`
	res, err := s.db.ExecContext(ctx, query, now, domain.Epoch(now), jobID)
	if err != nil {
		return 0, wrap("force finish job", err)
	}
	return res.RowsAffected()
}

// CountClaimedBy counts live and archived jobs claimed by a worker
func (s *Storage) CountClaimedBy(ctx context.Context, workerID string) (int64, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM ` + s.queueTable() + ` WHERE claimed_by = $1) +
			(SELECT COUNT(*) FROM ` + s.archiveTable() + ` WHERE claimed_by = $1)
	`
	var n int64
	if err := s.db.GetContext(ctx, &n, query, workerID); err != nil {
		return 0, wrap("count claimed jobs", err)
	}
	return n, nil
}

// LastJobFor returns the most recently enqueued live job claimed by a worker
func (s *Storage) LastJobFor(ctx context.Context, workerID string) (*domain.JobDocument, error) {
	query := `SELECT ` + jobColumns + ` FROM ` + s.queueTable() +
		` WHERE claimed_by = $1 ORDER BY enqueued_at DESC LIMIT 1`
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, workerID); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrap("get last job for worker", err)
	}
	return row.toDocument()
}
