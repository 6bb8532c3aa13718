package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/taskq/internal/bootstrap"
	"github.com/cuongbtq/taskq/internal/config"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/worker"
	"github.com/cuongbtq/taskq/shared/logger"
	"github.com/cuongbtq/taskq/shared/rabbitmq"
)

func main() {
	registry := newRegistry()

	// Re-executed as a job child by the parent worker
	if worker.IsChild() {
		os.Exit(runChild(registry))
	}

	if err := run(registry); err != nil {
		log.Println(err)
		os.Exit(worker.ExitStatus(err))
	}
}

func runChild(registry *job.Registry) int {
	childLogger, err := logger.New(&logger.Config{Level: "info", Format: "json", Output: "stderr"})
	if err != nil {
		return worker.ChildBadInput
	}
	slog.SetDefault(childLogger.Logger)
	return worker.RunChild(registry, os.Stdin, nil, childLogger.Logger)
}

func run(registry *job.Registry) error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	jobID := flag.String("job-id", "", "Process exactly this job, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Any("tasks", registry.Names()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	executor, err := worker.NewProcessExecutor(appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	executor.GraceCeiling = cfg.Worker.GraceCeiling

	// Cancelled once the shutdown timeout has passed to kill jobs in flight
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()

	concurrency := cfg.Worker.Concurrency
	if *jobID != "" {
		concurrency = 1
	}

	pool := worker.NewPool(concurrency, func(slot int) *worker.Worker {
		wcfg := workerConfig(&cfg.Worker, *jobID)
		if concurrency > 1 {
			wcfg.Name = slotName(wcfg.Name, slot)
		}
		opts := []worker.Option{
			worker.WithLogger(appLogger.Logger),
			worker.WithAbort(abortCtx),
		}
		if res.RabbitClient != nil {
			opts = append(opts, wakeups(res.RabbitClient, wcfg, appLogger.Logger)...)
		}
		return worker.New(res.Store, executor, wcfg, opts...)
	}, appLogger.Logger)

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", concurrency),
		slog.String("mode", cfg.Worker.Mode),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pool.Run(ctx)
	}()

	select {
	case err := <-errChan:
		return finish(appLogger.Logger, err)
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Jobs in flight run to completion; give them until the shutdown timeout
	select {
	case err := <-errChan:
		return finish(appLogger.Logger, err)
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, killing jobs in flight")
		abort()
	}

	// Workers still mark their jobs failed and unregister before the store closes
	return finish(appLogger.Logger, <-errChan)
}

func finish(logger *slog.Logger, err error) error {
	if err != nil {
		logger.Error("Worker error", slog.Any("error", err))
		return err
	}
	logger.Info("Worker service shutdown complete")
	return nil
}

// workerConfig maps the yaml worker section onto worker.Config
func workerConfig(c *config.WorkerConfig, jobID string) worker.Config {
	wc := worker.Config{
		Name:           c.Name,
		Queues:         c.Queues,
		Tags:           c.Tags,
		MinPriority:    c.MinPriority,
		PollInterval:   c.PollInterval,
		Failed:         c.FailedOnly,
		JobID:          jobID,
		LogOutput:      c.LogOutput,
		Silence:        c.Silence,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		FailFast:       c.FailFast,
	}
	switch c.Mode {
	case config.ModeBatch:
		wc.Mode = worker.Batch
	case config.ModeOne:
		wc.Mode = worker.One
	default:
		wc.Mode = worker.Forever
	}
	return wc
}

func slotName(name string, slot int) string {
	if name == "" {
		return worker.SlotName(slot)
	}
	return fmt.Sprintf("%s.%d", name, slot)
}

// wakeups subscribes one worker to enqueue notifications for its queues.
// Without a subscription the worker still polls.
func wakeups(client *rabbitmq.Client, wcfg worker.Config, logger *slog.Logger) []worker.Option {
	ch, err := client.WakeUps(wcfg.Queues, wcfg.Name)
	if err != nil {
		logger.Warn("Failed to subscribe to enqueue notifications, polling only",
			slog.String("worker", wcfg.Name),
			slog.Any("error", err),
		)
		return nil
	}
	return []worker.Option{worker.WithWakeups(ch)}
}
