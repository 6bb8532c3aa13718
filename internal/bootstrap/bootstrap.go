// Package bootstrap wires the configured store backend, broker and logger
// for the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/config"
	"github.com/cuongbtq/taskq/internal/queue"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/store/memory"
	"github.com/cuongbtq/taskq/internal/store/mongo"
	"github.com/cuongbtq/taskq/internal/store/postgres"
	"github.com/cuongbtq/taskq/shared/logger"
	"github.com/cuongbtq/taskq/shared/mongodb"
	"github.com/cuongbtq/taskq/shared/postgresql"
	"github.com/cuongbtq/taskq/shared/rabbitmq"
)

const mb = 1024 * 1024

// Resources holds the clients a service runs on
type Resources struct {
	Store        store.Gateway
	DBClient     *postgresql.Client
	MongoClient  *mongodb.Client
	RabbitClient *rabbitmq.Client
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// Open connects the configured store and, when enabled, the broker. On
// error everything opened so far is closed again.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Resources, error) {
	res := &Resources{}

	if err := res.openStore(ctx, cfg, log); err != nil {
		res.Close()
		return nil, err
	}

	if cfg.Store.Migrate {
		if err := res.Store.Migrate(ctx); err != nil {
			res.Close()
			return nil, fmt.Errorf("failed to migrate store: %w", err)
		}
	}

	if cfg.RabbitMQ.Enabled {
		client, err := InitRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		res.RabbitClient = client
		log.Info("RabbitMQ connection established")
	}

	return res, nil
}

func (r *Resources) openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		client, err := InitMongoDB(&cfg.MongoDB, log)
		if err != nil {
			return fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		r.MongoClient = client
		r.Store = mongo.New(client.Database(),
			mongo.WithLogger(log),
			mongo.WithCollectionBase(cfg.Store.CollectionBase),
			mongo.WithCappedSizes(cfg.Store.ArchiveSizeMB, cfg.Store.LogSizeMB),
		)

	case config.DriverPostgres:
		client, err := InitPostgreSQL(&cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		r.DBClient = client
		r.Store = postgres.NewStorage(client.GetDB(), log,
			postgres.WithCollectionBase(cfg.Store.CollectionBase),
			postgres.WithSizeBudgets(cfg.Store.ArchiveSizeMB, cfg.Store.LogSizeMB),
		)

	case config.DriverMemory:
		r.Store = memory.New(
			memory.WithArchiveBudget(int(cfg.Store.ArchiveSizeMB*mb)),
			memory.WithLogBudget(int(cfg.Store.LogSizeMB*mb)),
		)
		log.Warn("Using in-memory store, state is not shared between processes")

	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}

	if err := r.Store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach store: %w", err)
	}

	log.Info("Store connection established",
		slog.String("driver", cfg.Store.Driver),
		slog.String("collection_base", cfg.Store.CollectionBase),
	)
	return nil
}

// Notifier returns the enqueue notifier, or nil without a broker
func (r *Resources) Notifier() queue.Notifier {
	if r.RabbitClient == nil {
		return nil
	}
	return rabbitmq.NewNotifier(r.RabbitClient)
}

// Close releases every client
func (r *Resources) Close() {
	if r.Store != nil {
		r.Store.Close()
	}
	if r.DBClient != nil {
		r.DBClient.Close()
	}
	if r.MongoClient != nil {
		r.MongoClient.Close()
	}
	if r.RabbitClient != nil {
		r.RabbitClient.Close()
	}
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitMongoDB initializes the MongoDB client
func InitMongoDB(cfg *config.MongoDBConfig, logger *slog.Logger) (*mongodb.Client, error) {
	mongoConfig := &mongodb.Config{
		URI:             cfg.URI,
		Database:        cfg.Database,
		MaxPoolSize:     cfg.MaxPoolSize,
		MinPoolSize:     cfg.MinPoolSize,
		ConnectTimeout:  cfg.ConnectTimeout,
		ServerSelection: cfg.ServerSelectionTimeout,
	}

	return mongodb.NewClient(mongoConfig, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
