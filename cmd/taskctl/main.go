package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/bootstrap"
	"github.com/cuongbtq/taskq/internal/config"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		log.SetFlags(0)
		log.Fatalf("Error: %v", err)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("TASKCTL_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/api-service/config.yaml"
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Inspect and control taskq queues, workers and schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Path to configuration file")
	root.PersistentFlags().BoolVar(&a.outputJSON, "output-json", false, "Output as JSON")

	root.AddCommand(
		enqueueCmd(a),
		infoCmd(a),
		tailCmd(a),
		workingCmd(a),
		failedCmd(a),
		finishCmd(a),
		requeueCmd(a),
		shutdownCmd(a),
		scheduleCmd(a),
	)
	return root
}

// open connects to the store named by the config file, once. A service
// injected beforehand is kept.
func (a *app) open(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateStoreConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Commands print their own results; keep the logger quiet
	cfg.Logging.Level = "warn"
	cfg.Logging.Output = "stderr"
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	res, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	a.res = res

	var opts []admin.Option
	if n := res.Notifier(); n != nil {
		opts = append(opts, admin.WithNotifier(n))
	}
	a.svc = admin.New(res.Store, appLogger.Logger, opts...)
	return nil
}

func (a *app) close() {
	if a.res != nil {
		a.res.Close()
	}
}
