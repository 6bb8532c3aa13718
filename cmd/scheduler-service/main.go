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

	"github.com/joho/godotenv"

	"github.com/cuongbtq/taskq/internal/bootstrap"
	"github.com/cuongbtq/taskq/internal/config"
	"github.com/cuongbtq/taskq/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSchedulerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting scheduler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	opts := []scheduler.Option{scheduler.WithLogger(appLogger.Logger)}
	if n := res.Notifier(); n != nil {
		opts = append(opts, scheduler.WithNotifier(n))
	}
	sched := scheduler.New(res.Store, scheduler.Config{
		PollInterval:   cfg.Scheduler.PollInterval,
		MinSleep:       cfg.Scheduler.MinSleep,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
	}, opts...)

	if err := sched.Run(ctx); err != nil {
		appLogger.Error("Scheduler error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Scheduler service shutdown complete")
	return nil
}
