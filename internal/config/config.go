package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Worker loop modes
const (
	ModeForever = "forever"
	ModeBatch   = "batch"
	ModeOne     = "one"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	MongoDB   MongoDBConfig   `yaml:"mongodb"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnqueueRPS      int           `yaml:"enqueue_rps"`
	EnqueueBurst    int           `yaml:"enqueue_burst"`
}

// StoreConfig selects the shared store backend and its collection layout
type StoreConfig struct {
	Driver         string `yaml:"driver"`
	CollectionBase string `yaml:"collection_base"`
	ArchiveSizeMB  int64  `yaml:"archive_size_mb"`
	LogSizeMB      int64  `yaml:"log_size_mb"`
	Migrate        bool   `yaml:"migrate"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI                    string        `yaml:"uri"`
	Database               string        `yaml:"database"`
	MaxPoolSize            uint64        `yaml:"max_pool_size"`
	MinPoolSize            uint64        `yaml:"min_pool_size"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration.
// The broker is optional; it only carries enqueue notifications.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Name            string        `yaml:"name"`
	Queues          []string      `yaml:"queues"`
	Tags            []string      `yaml:"tags"`
	MinPriority     int           `yaml:"min_priority"`
	Concurrency     int           `yaml:"concurrency"`
	Mode            string        `yaml:"mode"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FailedOnly      bool          `yaml:"failed_only"`
	LogOutput       bool          `yaml:"log_output"`
	Silence         bool          `yaml:"silence"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	FailFast        bool          `yaml:"fail_fast"`
	GraceCeiling    time.Duration `yaml:"grace_ceiling"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig holds scheduler service configuration
type SchedulerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MinSleep       time.Duration `yaml:"min_sleep"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Default returns the values used for keys a config file leaves out
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:         DriverMongo,
			CollectionBase: "taskq",
			ArchiveSizeMB:  100,
			LogSizeMB:      100,
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		MongoDB: MongoDBConfig{
			ConnectTimeout:         10 * time.Second,
			ServerSelectionTimeout: 5 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "taskq.enqueued",
				Type:    "topic",
				Durable: true,
			},
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			Mode:            ModeForever,
			PollInterval:    3 * time.Second,
			MaxRetries:      5,
			RetryBaseDelay:  time.Second,
			GraceCeiling:    2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval:   5 * time.Second,
			MinSleep:       time.Second,
			MaxRetries:     5,
			RetryBaseDelay: time.Second,
		},
	}
}

// ValidateStoreConfig checks the shared store settings every service needs
func (c *Config) ValidateStoreConfig() error {
	switch c.Store.Driver {
	case DriverMongo:
		if c.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required")
		}
		if c.MongoDB.Database == "" {
			return fmt.Errorf("mongodb database is required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
			if c.Database.Port < MinPort || c.Database.Port > MaxPort {
				return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Store.CollectionBase == "" {
		return fmt.Errorf("store collection_base is required")
	}
	if c.Store.ArchiveSizeMB < 0 || c.Store.LogSizeMB < 0 {
		return fmt.Errorf("store size budgets must not be negative")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

// ValidateAPIConfig checks the api-service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.EnqueueRPS < 0 || c.Server.EnqueueBurst < 0 {
		return fmt.Errorf("server enqueue rate limit must not be negative")
	}

	return c.ValidateStoreConfig()
}

// ValidateWorkerConfig checks the worker-service configuration
func (c *Config) ValidateWorkerConfig() error {
	if c.Store.Driver == DriverMemory {
		return fmt.Errorf("worker needs a shared store; memory driver is not supported")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if !slices.Contains([]string{ModeForever, ModeBatch, ModeOne}, c.Worker.Mode) {
		return fmt.Errorf("invalid worker mode: %q", c.Worker.Mode)
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.Worker.RetryBaseDelay <= 0 {
		return fmt.Errorf("worker retry_base_delay must be greater than 0")
	}

	if c.Worker.GraceCeiling <= 0 {
		return fmt.Errorf("worker grace_ceiling must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.ValidateStoreConfig()
}

// ValidateSchedulerConfig checks the scheduler-service configuration
func (c *Config) ValidateSchedulerConfig() error {
	if c.Store.Driver == DriverMemory {
		return fmt.Errorf("scheduler needs a shared store; memory driver is not supported")
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be greater than 0")
	}

	if c.Scheduler.MinSleep <= 0 || c.Scheduler.MinSleep > c.Scheduler.PollInterval {
		return fmt.Errorf("scheduler min_sleep must be between 0 and poll_interval")
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler max_retries must not be negative")
	}

	if c.Scheduler.RetryBaseDelay <= 0 {
		return fmt.Errorf("scheduler retry_base_delay must be greater than 0")
	}

	return c.ValidateStoreConfig()
}
