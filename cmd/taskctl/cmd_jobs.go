package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

func enqueueCmd(a *app) *cobra.Command {
	var (
		req        admin.EnqueueRequest
		argsJSON   string
		kwargsJSON string
		priority   int
		after      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <task>",
		Short: "Enqueue a job calling a registered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Task = args[0]
			if err := parseJSONArg("args", argsJSON, &req.Args); err != nil {
				return err
			}
			if err := parseJSONArg("kwargs", kwargsJSON, &req.Kwargs); err != nil {
				return err
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if after > 0 {
				req.ProcessAfter = domain.Now().Add(after)
			}

			j, err := a.svc.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return a.printJSON(j.Document())
			}
			fmt.Fprintf(a.out, "Job %s enqueued on %s\n", j.ID(), j.QueueName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Queue, "queue", "q", "", "Queue name (default queue when empty)")
	cmd.Flags().StringSliceVarP(&req.Tags, "tags", "t", nil, "Job tags")
	cmd.Flags().IntVar(&priority, "priority", 0, "Job priority, higher runs first")
	cmd.Flags().DurationVar(&req.Timeout, "timeout", 0, "Job timeout, 0 for none")
	cmd.Flags().StringVar(&req.MutexKey, "mutex-key", "", "Mutex key limiting concurrent runs")
	cmd.Flags().IntVar(&req.MutexCount, "mutex-count", 1, "Concurrent runs allowed for the mutex key")
	cmd.Flags().DurationVar(&after, "after", 0, "Delay before the job becomes eligible")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Positional arguments as a JSON array")
	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "Keyword arguments as a JSON object")
	return cmd
}

func failedCmd(a *app) *cobra.Command {
	var (
		queue string
		fix   bool
		jobID string
		task  string
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed jobs, or flag them as fixed with --fix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fix {
				n, err := a.svc.ResetFailed(cmd.Context(), store.FailedSelector{JobID: jobID, FuncStr: task})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Flagged %d job(s) as not failed\n", n)
				return nil
			}

			var jobs []*domain.JobDocument
			q := admin.JobQuery{Queue: queue, Status: domain.JobStatusFailed, PageSize: admin.MaxPageSize}
			for {
				page, err := a.svc.ListJobs(cmd.Context(), q)
				if err != nil {
					return err
				}
				jobs = append(jobs, page.Jobs...)
				if page.Next == nil {
					break
				}
				q.Cursor = page.Next
			}

			if a.outputJSON {
				return a.printJSON(jobs)
			}
			w := a.table()
			fmt.Fprintln(w, "JOB\tQUEUE\tCALL\tFINISHED")
			for _, d := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.QueueName, d.CallString(), formatTime(d.FinishedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Only this queue")
	cmd.Flags().BoolVar(&fix, "fix", false, "Flag matching failed jobs as not failed")
	cmd.Flags().StringVar(&jobID, "job", "", "With --fix, only this job")
	cmd.Flags().StringVar(&task, "task", "", "With --fix, only jobs calling this task")
	return cmd
}

func finishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "finish <job-id>",
		Short: "Flag an unfinished job as finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.svc.FinishJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintf(a.out, "Job %s is already finished or does not exist\n", args[0])
				return nil
			}
			fmt.Fprintf(a.out, "Job %s flagged as finished\n", args[0])
			return nil
		},
	}
}

func requeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Make a claimed job claimable again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.RequeueJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Job %s requeued\n", args[0])
			return nil
		},
	}
}
