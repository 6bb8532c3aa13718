package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuongbtq/taskq/internal/job"
)

// newRegistry returns the tasks this binary can run. Deployments embedding
// their own tasks register them here before any worker starts.
func newRegistry() *job.Registry {
	reg := job.NewRegistry()
	reg.Register("tasks.Echo", echoTask(os.Stdout))
	reg.Register("tasks.Sleep", sleepTask)
	reg.Register("tasks.Fail", failTask)
	return reg
}

// echoTask prints its arguments, one per line
func echoTask(out io.Writer) job.Func {
	return func(_ context.Context, args []any, kwargs map[string]any) error {
		for _, a := range args {
			fmt.Fprintln(out, a)
		}
		for k, v := range kwargs {
			fmt.Fprintf(out, "%s=%v\n", k, v)
		}
		return nil
	}
}

// sleepTask sleeps for kwargs["seconds"], or until interrupted
func sleepTask(ctx context.Context, _ []any, kwargs map[string]any) error {
	secs, ok := kwargs["seconds"].(float64)
	if !ok {
		return errors.New("seconds must be a number")
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// failTask always fails with kwargs["message"]
func failTask(_ context.Context, _ []any, kwargs map[string]any) error {
	msg, _ := kwargs["message"].(string)
	if msg == "" {
		msg = "task failed"
	}
	return errors.New(msg)
}
