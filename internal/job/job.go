// Package job wraps a stored job document with the operations producers,
// workers and admin tools perform on it.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/joblog"
	"github.com/cuongbtq/taskq/internal/store"
)

// Job is a handle on one job document
type Job struct {
	gw  store.Gateway
	doc *domain.JobDocument
}

// New wraps doc. gw is used by the operations that touch the store.
func New(gw store.Gateway, doc *domain.JobDocument) *Job {
	return &Job{gw: gw, doc: doc}
}

// Get loads a live job, falling back to the archive
func Get(ctx context.Context, gw store.Gateway, jobID string) (*Job, error) {
	doc, err := gw.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		doc, err = gw.GetArchivedJob(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	return New(gw, doc), nil
}

func (j *Job) ID() string { return j.doc.ID }
func (j *Job) QueueName() string { return j.doc.QueueName }
func (j *Job) Tags() []string { return j.doc.Tags }
func (j *Job) FuncStr() string { return j.doc.Execute.FuncStr }
func (j *Job) Args() []any { return j.doc.Execute.Args }
func (j *Job) Kwargs() map[string]any { return j.doc.Execute.Kwargs }
func (j *Job) Timeout() time.Duration { return j.doc.Timeout }
func (j *Job) CallString() string { return j.doc.CallString() }
func (j *Job) Document() *domain.JobDocument { return j.doc }

// PanicError reports a task that panicked instead of returning
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Apply resolves the task through reg and runs it synchronously. A panic in
// the task is returned as a *PanicError.
func (j *Job) Apply(ctx context.Context, reg *Registry) (err error) {
	fn, err := reg.Resolve(j.FuncStr())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	args := j.Args()
	if args == nil {
		args = []any{}
	}
	kwargs := j.Kwargs()
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fn(ctx, args, kwargs)
}

// MarkFinished records the outcome. A successful job also moves into the
// archive; the archive write is best effort and bounded by its size budget.
func (j *Job) MarkFinished(ctx context.Context, failed bool) error {
	if err := j.gw.FinishJob(ctx, j.doc.ID, failed); err != nil {
		return fmt.Errorf("failed to mark job %s finished: %w", j.doc.ID, err)
	}
	now := domain.Now()
	j.doc.Processed = true
	j.doc.Finished = true
	j.doc.Failed = failed
	j.doc.FinishedAt = now
	j.doc.FinishedAtEpoch = domain.Epoch(now)
	return nil
}

// Finished reports whether the job has been finalized. A job no longer in
// the live collection was archived and is therefore finished.
func (j *Job) Finished(ctx context.Context) (bool, error) {
	doc, err := j.gw.GetJob(ctx, j.doc.ID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Finished, nil
}

// Stream returns a reader over the job's log lines
func (j *Job) Stream() *joblog.Stream {
	return joblog.NewStream(j.gw, store.LogQuery{JobID: j.doc.ID}, j.Finished)
}
