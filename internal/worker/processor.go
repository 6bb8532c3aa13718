package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/joblog"
)

// processJob runs one claimed job and records its outcome. The job runs to
// completion under its own timeout even if ctx is cancelled meanwhile, unless
// the abort context ends first; only the error from finalizing is returned.
func (w *Worker) processJob(ctx context.Context, doc *domain.JobDocument) error {
	j := job.New(w.gw, doc)
	runCtx := context.WithoutCancel(ctx)

	execCtx, cancelExec := context.WithCancel(runCtx)
	defer cancelExec()
	if w.abort != nil {
		stop := context.AfterFunc(w.abort, cancelExec)
		defer stop()
	}

	w.logger.Info("Job claimed",
		slog.String("job_id", doc.ID),
		slog.String("queue", doc.QueueName),
		slog.String("tags", strings.Join(doc.Tags, ", ")),
	)
	w.logger.Info(doc.CallString(), slog.String("job_id", doc.ID))

	if w.cfg.PreCall != nil {
		w.cfg.PreCall(runCtx, j)
	}

	if doc.Timeout > 0 {
		w.logger.Info("Job started",
			slog.String("job_id", doc.ID),
			slog.Duration("timeout", doc.Timeout),
		)
	} else {
		w.logger.Info("Job started, no timeout", slog.String("job_id", doc.ID))
	}

	stdout, stderr, closeOutput := w.output(runCtx, doc)
	res, err := w.exec.Execute(execCtx, doc, stdout, stderr)
	closeOutput()
	aborted := execCtx.Err() != nil
	if aborted {
		w.logger.Warn("Job killed at shutdown", slog.String("job_id", doc.ID))
	}

	failed := err != nil || res.Failed() || aborted
	if err != nil {
		w.logger.Error("Failed to execute job",
			slog.String("job_id", doc.ID),
			slog.Any("error", err),
		)
	}

	if w.cfg.PostCall != nil {
		w.cfg.PostCall(runCtx, j)
	}

	if failed {
		w.logger.Error("Job failed",
			slog.String("job_id", doc.ID),
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
			slog.Duration("duration", res.Duration),
		)
	} else {
		w.logger.Info("Job finished successfully",
			slog.String("job_id", doc.ID),
			slog.Duration("duration", res.Duration),
		)
	}

	err = w.retrier.Do(runCtx, "finish", func(ctx context.Context) error {
		return j.MarkFinished(ctx, failed)
	})
	if err != nil {
		return err
	}
	w.processed.Add(1)
	return nil
}

// output builds the child's stdout and stderr: echoed to this process
// unless silenced, and copied to the log collection with LogOutput
func (w *Worker) output(ctx context.Context, doc *domain.JobDocument) (stdout, stderr io.Writer, closeFn func()) {
	var outs, errs []io.Writer
	if !w.cfg.Silence {
		outs = append(outs, os.Stdout)
		errs = append(errs, os.Stderr)
	}

	var writers []*joblog.Writer
	if w.cfg.LogOutput {
		tags := joblog.Tags{JobID: doc.ID, WorkerID: w.ID(), Logger: "stdout"}
		ow := joblog.NewWriter(ctx, w.gw, tags, "INFO")
		tags.Logger = "stderr"
		ew := joblog.NewWriter(ctx, w.gw, tags, "ERROR")
		outs = append(outs, ow)
		errs = append(errs, ew)
		writers = append(writers, ow, ew)
	}

	closeFn = func() {
		for _, wr := range writers {
			if err := wr.Close(); err != nil {
				w.logger.Warn("Failed to store job output",
					slog.String("job_id", doc.ID),
					slog.Any("error", err),
				)
			}
		}
	}
	return io.MultiWriter(outs...), io.MultiWriter(errs...), closeFn
}
