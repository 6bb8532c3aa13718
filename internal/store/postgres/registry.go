package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

const workerColumns = `id, name, host, pid, username, started, finished, check_in,
	working, queues, tags, log_output, terminate, terminate_status`

const ruleColumns = `id, rule, task, queue, tags, paused, active, created, modified, checked, timeout_ns`

// RegisterWorker inserts a worker row
func (s *Storage) RegisterWorker(ctx context.Context, doc *domain.WorkerDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	query := `
		INSERT INTO ` + s.workerTable() + ` (` + workerColumns + `)
		VALUES (:id, :name, :host, :pid, :username, :started, :finished, :check_in,
			:working, :queues, :tags, :log_output, :terminate, :terminate_status)
	`
	if _, err := s.db.NamedExecContext(ctx, query, toWorkerRow(doc)); err != nil {
		return wrap("register worker", err)
	}
	return nil
}

// CheckIn stamps the heartbeat and reads back the terminate request
func (s *Storage) CheckIn(ctx context.Context, workerID string, at time.Time) (domain.CheckInResult, error) {
	query := `
		UPDATE ` + s.workerTable() + `
		SET check_in = $1, working = TRUE
		WHERE id = $2
		RETURNING terminate, terminate_status
	`
	var res struct {
		Terminate       bool `db:"terminate"`
		TerminateStatus int  `db:"terminate_status"`
	}
	if err := s.db.GetContext(ctx, &res, query, at, workerID); err != nil {
		if isNoRows(err) {
			return domain.CheckInResult{}, nil
		}
		return domain.CheckInResult{}, wrap("check in", err)
	}
	return domain.CheckInResult{Terminate: res.Terminate, TerminateStatus: res.TerminateStatus}, nil
}

// UnregisterWorker marks a worker finished
func (s *Storage) UnregisterWorker(ctx context.Context, workerID string, at time.Time) error {
	query := `UPDATE ` + s.workerTable() + ` SET working = FALSE, finished = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, at, workerID)
	if err != nil {
		return wrap("unregister worker", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

func (s *Storage) getWorker(ctx context.Context, query string, args ...any) (*domain.WorkerDocument, error) {
	var row workerRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, wrap("get worker", err)
	}
	return row.toDocument(), nil
}

// GetWorker returns one worker
func (s *Storage) GetWorker(ctx context.Context, workerID string) (*domain.WorkerDocument, error) {
	return s.getWorker(ctx, `SELECT `+workerColumns+` FROM `+s.workerTable()+` WHERE id = $1`, workerID)
}

// FindWorkerByName returns the most recently started worker with name
func (s *Storage) FindWorkerByName(ctx context.Context, name string) (*domain.WorkerDocument, error) {
	return s.getWorker(ctx,
		`SELECT `+workerColumns+` FROM `+s.workerTable()+` WHERE name = $1 ORDER BY started DESC LIMIT 1`,
		name,
	)
}

// ListWorkers lists workers ordered by start time
func (s *Storage) ListWorkers(ctx context.Context, workingOnly bool) ([]*domain.WorkerDocument, error) {
	query := `SELECT ` + workerColumns + ` FROM ` + s.workerTable()
	if workingOnly {
		query += ` WHERE working`
	}
	query += ` ORDER BY started`

	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, wrap("list workers", err)
	}
	docs := make([]*domain.WorkerDocument, 0, len(rows))
	for i := range rows {
		docs = append(docs, rows[i].toDocument())
	}
	return docs, nil
}

// RequestShutdown sets the terminate flag on matching working workers
func (s *Storage) RequestShutdown(ctx context.Context, sel store.ShutdownSelector, status int) (int64, error) {
	w := &where{}
	w.add("working")
	if sel.WorkerID != "" {
		w.add("id = ?", sel.WorkerID)
	}
	if sel.Host != "" {
		w.add("host = ?", sel.Host)
	}
	if sel.Name != "" {
		w.add("name = ?", sel.Name)
	}
	query := rebind(`UPDATE ` + s.workerTable() + ` SET terminate = TRUE, terminate_status = ? WHERE ` + w.sql())

	res, err := s.db.ExecContext(ctx, query, append([]any{status}, w.args...)...)
	if err != nil {
		return 0, wrap("request shutdown", err)
	}
	return res.RowsAffected()
}

// ResetWorking flags every working worker as not working
func (s *Storage) ResetWorking(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE `+s.workerTable()+` SET working = FALSE WHERE working`)
	if err != nil {
		return 0, wrap("reset working", err)
	}
	return res.RowsAffected()
}

// InsertRule stores a rule
func (s *Storage) InsertRule(ctx context.Context, doc *domain.RuleDocument) error {
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	query := `
		INSERT INTO ` + s.ruleTable() + ` (` + ruleColumns + `)
		VALUES (:id, :rule, :task, :queue, :tags, :paused, :active, :created, :modified, :checked, :timeout_ns)
	`
	if _, err := s.db.NamedExecContext(ctx, query, toRuleRow(doc)); err != nil {
		return wrap("insert rule", err)
	}
	return nil
}

// GetRule returns one rule
func (s *Storage) GetRule(ctx context.Context, ruleID string) (*domain.RuleDocument, error) {
	var row ruleRow
	query := `SELECT ` + ruleColumns + ` FROM ` + s.ruleTable() + ` WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, ruleID); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrRuleNotFound
		}
		return nil, wrap("get rule", err)
	}
	return row.toDocument(), nil
}

func (s *Storage) selectRules(ctx context.Context, cond string) ([]*domain.RuleDocument, error) {
	query := `SELECT ` + ruleColumns + ` FROM ` + s.ruleTable() + ` WHERE ` + cond + ` ORDER BY created`
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, wrap("list rules", err)
	}
	docs := make([]*domain.RuleDocument, 0, len(rows))
	for i := range rows {
		docs = append(docs, rows[i].toDocument())
	}
	return docs, nil
}

// ListRules returns every rule
func (s *Storage) ListRules(ctx context.Context) ([]*domain.RuleDocument, error) {
	return s.selectRules(ctx, "TRUE")
}

// ActiveRules returns unpaused, active rules
func (s *Storage) ActiveRules(ctx context.Context) ([]*domain.RuleDocument, error) {
	return s.selectRules(ctx, "NOT paused AND active")
}

// AdvanceRule moves checked from expected to next if it still holds expected
func (s *Storage) AdvanceRule(ctx context.Context, ruleID string, expected, next time.Time) (bool, error) {
	query := `UPDATE ` + s.ruleTable() + ` SET checked = $1 WHERE id = $2 AND checked = $3`
	res, err := s.db.ExecContext(ctx, query, next, ruleID, expected)
	if err != nil {
		return false, wrap("advance rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("advance rule", err)
	}
	return n == 1, nil
}

// UpdateRule applies the non-nil fields of upd
func (s *Storage) UpdateRule(ctx context.Context, ruleID string, upd store.RuleUpdate) error {
	sets := []string{"modified = ?"}
	args := []any{domain.Now()}
	if upd.Rule != nil {
		sets = append(sets, "rule = ?")
		args = append(args, *upd.Rule)
	}
	if upd.Task != nil {
		sets = append(sets, "task = ?")
		args = append(args, *upd.Task)
	}
	if upd.Queue != nil {
		sets = append(sets, "queue = ?")
		args = append(args, *upd.Queue)
	}
	if upd.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, pq.Array(upd.Tags))
	}
	if upd.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, *upd.Paused)
	}
	args = append(args, ruleID)

	query := `UPDATE ` + s.ruleTable() + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	res, err := s.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return wrap("update rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

// RemoveRule deletes a rule
func (s *Storage) RemoveRule(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.ruleTable()+` WHERE id = $1`, ruleID)
	if err != nil {
		return wrap("remove rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

// logRowSize estimates the stored size of a log row: its text columns plus
// the fixed-width seq, time and tuple header
func logRowSize(e *domain.LogEntry) int64 {
	return int64(len(e.ID)+len(e.JobID)+len(e.WorkerID)+len(e.Level)+len(e.Logger)+len(e.Message)) + 48
}

// AppendLog inserts a log row. The table is trimmed to its byte budget each
// time about a hundredth of the budget has been written.
func (s *Storage) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = domain.NewID()
	}
	if entry.Time.IsZero() {
		entry.Time = domain.Now()
	}
	query := `
		INSERT INTO ` + s.logTable() + ` (id, job_id, worker_id, level, logger, message, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	err := s.db.GetContext(ctx, &entry.Seq, query,
		entry.ID, entry.JobID, entry.WorkerID, entry.Level, entry.Logger, entry.Message, entry.Time,
	)
	if err != nil {
		return wrap("append log", err)
	}
	if s.logGate.add(logRowSize(entry)) {
		s.trim(ctx, s.db, s.logTable(), s.logBudget)
	}
	return nil
}

// ReadLogs returns entries for a job or worker after q.AfterSeq
func (s *Storage) ReadLogs(ctx context.Context, q store.LogQuery) ([]*domain.LogEntry, error) {
	w := &where{}
	w.add("seq > ?", q.AfterSeq)
	if q.JobID != "" {
		w.add("job_id = ?", q.JobID)
	}
	if q.WorkerID != "" {
		w.add("worker_id = ?", q.WorkerID)
	}
	query := `SELECT seq, id, job_id, worker_id, level, logger, message, time FROM ` + s.logTable() +
		` WHERE ` + w.sql() + ` ORDER BY seq`
	args := w.args
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, rebind(query), args...); err != nil {
		return nil, wrap("read logs", err)
	}
	entries := make([]*domain.LogEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].toEntry())
	}
	return entries, nil
}
