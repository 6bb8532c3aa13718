// Package mongo is the MongoDB Store Gateway, the document store of record.
// Claims use FindOneAndUpdate; the archive and log collections are capped.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

const mb = 1024 * 1024

// Default capped-collection sizes
const (
	DefaultArchiveSizeMB = 100
	DefaultLogSizeMB     = 100
)

var _ store.Gateway = (*Store)(nil)

// Store is the MongoDB store.Gateway. The caller owns the database handle;
// Close does not disconnect it.
type Store struct {
	db     *mongod.Database
	base   string
	logger *slog.Logger

	archiveSizeMB int64
	logSizeMB     int64
}

// Option configures the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCollectionBase sets the collection name prefix
func WithCollectionBase(base string) Option {
	return func(s *Store) {
		if base != "" {
			s.base = base
		}
	}
}

// WithCappedSizes sets the archive and log capped-collection sizes in MB
func WithCappedSizes(archiveMB, logMB int64) Option {
	return func(s *Store) {
		if archiveMB > 0 {
			s.archiveSizeMB = archiveMB
		}
		if logMB > 0 {
			s.logSizeMB = logMB
		}
	}
}

// New creates a MongoDB store on db
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:            db,
		base:          domain.DefaultCollectionBase,
		logger:        slog.Default(),
		archiveSizeMB: DefaultArchiveSizeMB,
		logSizeMB:     DefaultLogSizeMB,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jobs() *mongod.Collection     { return s.db.Collection(s.base + ".queue") }
func (s *Store) archive() *mongod.Collection  { return s.db.Collection(s.base + ".finished_jobs") }
func (s *Store) workers() *mongod.Collection  { return s.db.Collection(s.base + ".workers") }
func (s *Store) schedule() *mongod.Collection { return s.db.Collection(s.base + ".schedule") }
func (s *Store) logs() *mongod.Collection     { return s.db.Collection(s.base + ".log") }
func (s *Store) counters() *mongod.Collection { return s.db.Collection(s.base + ".counters") }

// Migrate creates the capped collections and indexes
func (s *Store) Migrate(ctx context.Context) error {
	existing, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return wrap("list collections", err)
	}

	capped := map[string]int64{
		s.base + ".finished_jobs": s.archiveSizeMB * mb,
		s.base + ".log":           s.logSizeMB * mb,
	}
	for name, size := range capped {
		if slices.Contains(existing, name) {
			continue
		}
		opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(size)
		if err := s.db.CreateCollection(ctx, name, opts); err != nil {
			return wrap("create "+name, err)
		}
		s.logger.Info("Created capped collection",
			slog.String("collection", name),
			slog.Int64("size_bytes", size),
		)
	}

	for col, models := range s.migrationIndexes() {
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			return wrap("migrate "+col.Name()+" indexes", err)
		}
	}
	return nil
}

func (s *Store) migrationIndexes() map[*mongod.Collection][]mongod.IndexModel {
	return map[*mongod.Collection][]mongod.IndexModel{
		s.jobs(): {
			// Claim index: eligibility then FIFO
			{Keys: bson.D{
				{Key: "processed", Value: 1},
				{Key: "qname", Value: 1},
				{Key: "priority", Value: 1},
				{Key: "process_after", Value: 1},
				{Key: "enqueued_at", Value: 1},
			}},
			{Keys: bson.D{{Key: "mutex.key", Value: 1}, {Key: "processed", Value: 1}, {Key: "finished", Value: 1}}},
			{Keys: bson.D{{Key: "failed", Value: 1}}},
			{Keys: bson.D{{Key: "worker_id", Value: 1}}},
		},
		s.archive(): {
			{Keys: bson.D{{Key: "worker_id", Value: 1}}},
		},
		s.workers(): {
			{Keys: bson.D{{Key: "working", Value: 1}}},
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "started", Value: -1}}},
		},
		s.schedule(): {
			{Keys: bson.D{{Key: "paused", Value: 1}, {Key: "active", Value: 1}}},
		},
		s.logs(): {
			{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "worker_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
	}
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close is a no-op because the caller owns the client lifecycle
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey reports an insert of an _id that already exists
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// isConnectivity reports driver errors that mean the server could not be
// reached, as opposed to a rejected command
func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if mongod.IsNetworkError(err) || mongod.IsTimeout(err) {
		return true
	}
	if errors.Is(err, mongod.ErrClientDisconnected) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "server selection error")
}

// wrap prefixes a driver error and marks connectivity failures
func wrap(op string, err error) error {
	err = fmt.Errorf("taskq/mongo: %s: %w", op, err)
	if isConnectivity(err) {
		return domain.NewUnavailableError(err)
	}
	return err
}
