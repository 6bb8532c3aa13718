package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

// ChildEnv marks a process as a job child. Its value is the job ID; the job
// document arrives on stdin.
const ChildEnv = "TASKQ_CHILD_JOB"

// DefaultGraceCeiling bounds the wait between interrupt and kill
const DefaultGraceCeiling = 2 * time.Minute

// Result describes how a child process ended
type Result struct {
	ExitCode int
	TimedOut bool
	Killed   bool
	Duration time.Duration
}

// Failed reports whether the job should be recorded as failed. A job that
// hit its timeout is failed even if it exited cleanly after the interrupt.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// Executor runs one claimed job to completion
type Executor interface {
	Execute(ctx context.Context, doc *domain.JobDocument, stdout, stderr io.Writer) (Result, error)
}

// ProcessExecutor runs each job in a child process: a re-exec of Path with
// ChildEnv set. The job timeout is enforced by interrupting the child, then
// killing it once the grace period has passed.
type ProcessExecutor struct {
	Path         string
	Args         []string
	Env          []string
	GraceCeiling time.Duration
	Logger       *slog.Logger
}

// NewProcessExecutor re-executes the running binary
func NewProcessExecutor(logger *slog.Logger) (*ProcessExecutor, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return &ProcessExecutor{
		Path:         path,
		GraceCeiling: DefaultGraceCeiling,
		Logger:       logger,
	}, nil
}

// Execute starts the child and waits for it. Cancelling ctx kills the child
// immediately; callers that want in-flight jobs to finish pass a context
// without cancellation.
func (e *ProcessExecutor) Execute(ctx context.Context, doc *domain.JobDocument, stdout, stderr io.Writer) (Result, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode job: %w", err)
	}

	cmd := exec.Command(e.Path, e.Args...)
	cmd.Env = append(append(os.Environ(), ChildEnv+"="+doc.ID), e.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start child process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	finish := func(err error, timedOut, killed bool) (Result, error) {
		r := Result{TimedOut: timedOut, Killed: killed, Duration: time.Since(start)}
		if err == nil {
			return r, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return r, fmt.Errorf("failed to wait for child process: %w", err)
		}
		r.ExitCode = exitErr.ExitCode()
		return r, nil
	}

	var timeout <-chan time.Time
	if doc.Timeout > 0 {
		t := time.NewTimer(doc.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-done:
		return finish(err, false, false)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return finish(<-done, false, true)
	case <-timeout:
	}

	e.Logger.Error("Timeout occurred: interrupting job",
		slog.String("job_id", doc.ID),
		slog.Duration("timeout", doc.Timeout),
	)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		e.Logger.Warn("Failed to interrupt child process",
			slog.String("job_id", doc.ID),
			slog.Any("error", err),
		)
	}

	grace := doc.Timeout
	if ceiling := e.graceCeiling(); grace > ceiling {
		grace = ceiling
	}
	g := time.NewTimer(grace)
	defer g.Stop()

	select {
	case err := <-done:
		return finish(err, true, false)
	case <-ctx.Done():
	case <-g.C:
		e.Logger.Error("Process did not shut down after interrupt: killing job",
			slog.String("job_id", doc.ID),
			slog.Duration("grace", grace),
		)
	}
	_ = cmd.Process.Kill()
	return finish(<-done, true, true)
}

func (e *ProcessExecutor) graceCeiling() time.Duration {
	if e.GraceCeiling > 0 {
		return e.GraceCeiling
	}
	return DefaultGraceCeiling
}
