package postgres

import (
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/taskq/internal/store"
)

// where accumulates AND-ed predicates with ? placeholders; render rebinds
// them to $n
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(w.clauses, " AND ")
}

// filterWhere renders a store.Filter as SQL predicates
func filterWhere(f store.Filter) *where {
	w := &where{}
	w.add("priority >= ?", f.MinPriority)
	if !f.DueAt.IsZero() {
		w.add("process_after <= ?", f.DueAt)
	}
	if f.Failed {
		w.add("failed")
	} else if f.Processed != nil {
		w.add("processed = ?", *f.Processed)
	}
	if f.Finished != nil {
		w.add("finished = ?", *f.Finished)
	}
	switch len(f.Queues) {
	case 0:
	case 1:
		w.add("queue_name = ?", f.Queues[0])
	default:
		w.add("queue_name = ANY(?)", pq.Array(f.Queues))
	}
	if f.FuncStr != "" {
		w.add("func_str = ?", f.FuncStr)
	}
	if f.ClaimedBy != "" {
		w.add("claimed_by = ?", f.ClaimedBy)
	}
	if len(f.Tags) > 0 {
		w.add("tags <@ ?::text[]", pq.Array(f.Tags))
	}
	return w
}

// addMutex appends the admission disjunction for a tally
func (w *where) addMutex(tally store.MutexTally) {
	keys := tally.Keys()
	if len(keys) == 0 {
		return
	}

	parts := []string{"mutex_key IS NULL", "NOT (mutex_key = ANY(?))"}
	args := []any{pq.Array(keys)}
	for _, k := range keys {
		parts = append(parts, "(mutex_key = ? AND mutex_count > ?)")
		args = append(args, k, tally[k])
	}
	w.add("("+strings.Join(parts, " OR ")+")", args...)
}

// addCursor restricts a listing to rows after c in the listing order
func (w *where) addCursor(c *store.Cursor, reverse bool) {
	op := ">"
	if reverse {
		op = "<"
	}
	w.add("(enqueued_at, id) "+op+" (?, ?)", c.EnqueuedAt, c.JobID)
}

func rebind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

// claimSQL builds the single-statement claim: the sub-select locks the
// oldest eligible row, skipping rows other claimers hold, and the outer
// UPDATE flips it to claimed
func claimSQL(table string, w *where, failedMode bool) string {
	set := "processed = TRUE, started_at = ?, started_at_epoch = ?, claimed_by = ?"
	if failedMode {
		set += ", failed = FALSE, finished = FALSE"
	}
	return "UPDATE " + table + " SET " + set +
		" WHERE id = (SELECT id FROM " + table +
		" WHERE " + w.sql() +
		" ORDER BY enqueued_at, id LIMIT 1 FOR UPDATE SKIP LOCKED)" +
		" RETURNING " + jobColumns
}

// trimSQL deletes the oldest rows of a seq-ordered table once the running
// total of row sizes, newest first, passes the byte budget. The newest row
// always survives.
func trimSQL(table string) string {
	return `DELETE FROM ` + table + ` WHERE seq IN (
		SELECT seq FROM (
			SELECT seq,
				SUM(pg_column_size(t.*)) OVER (ORDER BY seq DESC) AS running,
				ROW_NUMBER() OVER (ORDER BY seq DESC) AS n
			FROM ` + table + ` t
		) sized WHERE running > $1 AND n > 1
	)`
}
