package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
)

// Child exit statuses
const (
	ChildOK         = 0
	ChildTaskFailed = 1
	ChildBadInput   = 2
)

// ExceptionHandler runs in the child when a task returns an error or
// panics, before the child exits non-zero
type ExceptionHandler func(j *job.Job, err error)

// IsChild reports whether this process was started by a ProcessExecutor
func IsChild() bool {
	return os.Getenv(ChildEnv) != ""
}

// RunChild executes the job document read from stdin and returns the exit
// status. An interrupt or SIGTERM cancels the task's context.
func RunChild(reg *job.Registry, stdin io.Reader, onError ExceptionHandler, logger *slog.Logger) int {
	var doc domain.JobDocument
	if err := json.NewDecoder(stdin).Decode(&doc); err != nil {
		logger.Error("Failed to decode job document", slog.Any("error", err))
		return ChildBadInput
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j := job.New(nil, &doc)
	if err := j.Apply(ctx, reg); err != nil {
		if onError != nil {
			onError(j, err)
		}
		attrs := []any{
			slog.String("job_id", doc.ID),
			slog.String("func", doc.Execute.FuncStr),
			slog.Any("error", err),
		}
		var pe *job.PanicError
		if errors.As(err, &pe) {
			attrs = append(attrs, slog.String("stack", string(pe.Stack)))
		}
		logger.Error("Job raised an error", attrs...)
		return ChildTaskFailed
	}
	return ChildOK
}
