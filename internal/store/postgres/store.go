// Package postgres is the PostgreSQL Store Gateway. Documents map onto
// typed rows with TEXT[] tags and JSONB arguments; claims are a single
// UPDATE over a FOR UPDATE SKIP LOCKED sub-select.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/shared/postgresql"
)

const mb = 1024 * 1024

var _ store.Gateway = (*Storage)(nil)

// Storage handles all database operations for the shared store
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	base   string

	archiveBudget int64
	logBudget     int64

	archiveGate *trimGate
	logGate     *trimGate
}

// Option configures Storage
type Option func(*Storage)

// WithCollectionBase sets the table name prefix
func WithCollectionBase(base string) Option {
	return func(s *Storage) {
		if base != "" {
			s.base = base
		}
	}
}

// WithSizeBudgets caps the archive and log tables, in MB
func WithSizeBudgets(archiveMB, logMB int64) Option {
	return func(s *Storage) {
		if archiveMB > 0 {
			s.archiveBudget = archiveMB * mb
		}
		if logMB > 0 {
			s.logBudget = logMB * mb
		}
	}
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Storage {
	s := &Storage{
		db:            db,
		logger:        logger,
		base:          domain.DefaultCollectionBase,
		archiveBudget: 100 * mb,
		logBudget:     100 * mb,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.archiveGate = newTrimGate(s.archiveBudget)
	s.logGate = newTrimGate(s.logBudget)
	return s
}

func (s *Storage) queueTable() string   { return s.base + "_queue" }
func (s *Storage) archiveTable() string { return s.base + "_finished_jobs" }
func (s *Storage) workerTable() string  { return s.base + "_workers" }
func (s *Storage) ruleTable() string    { return s.base + "_schedule" }
func (s *Storage) logTable() string     { return s.base + "_log" }

// Migrate creates tables and indexes
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, renderSchema(s.base)); err != nil {
		return wrap("migrate", err)
	}
	s.logger.Info("Database schema migrated",
		slog.String("base", s.base),
	)
	return nil
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close is a no-op; the postgresql.Client owns the pool
func (s *Storage) Close() error {
	return nil
}

// wrap prefixes a driver error and marks connectivity failures
func wrap(op string, err error) error {
	err = fmt.Errorf("failed to %s: %w", op, err)
	if postgresql.IsConnectionError(err) {
		return domain.NewUnavailableError(err)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// trim enforces a byte budget on a seq-ordered table
func (s *Storage) trim(ctx context.Context, exec sqlx.ExecerContext, table string, budget int64) {
	if budget <= 0 {
		return
	}
	res, err := exec.ExecContext(ctx, trimSQL(table), budget)
	if err != nil {
		s.logger.Warn("Failed to trim table",
			slog.String("table", table),
			slog.Any("error", err),
		)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Trimmed table to size budget",
			slog.String("table", table),
			slog.Int64("rows_deleted", n),
		)
	}
}

// trimSlices is how many trims fit in one budget's worth of inserts. A table
// may overshoot its budget by about 1/trimSlices between trims.
const trimSlices = 100

// trimGate spaces out trims of a size-capped table. It accumulates the bytes
// inserted since the last trim and opens once they pass a slice of the budget,
// so the window scan in trimSQL runs once per slice rather than per insert.
type trimGate struct {
	step  int64
	added atomic.Int64
}

func newTrimGate(budget int64) *trimGate {
	if budget <= 0 {
		return &trimGate{}
	}
	step := budget / trimSlices
	if step < 1 {
		step = 1
	}
	return &trimGate{step: step}
}

// add records n inserted bytes and reports whether a trim is due
func (g *trimGate) add(n int64) bool {
	if g.step <= 0 {
		return false
	}
	total := g.added.Add(n)
	if total < g.step {
		return false
	}
	// one caller wins the reset; the others keep adding toward the next trim
	return g.added.CompareAndSwap(total, 0)
}
