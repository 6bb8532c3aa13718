package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/domain"
)

func infoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show queues, their backlog and working workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.svc.Info(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				return a.printJSON(info)
			}

			w := a.table()
			fmt.Fprintln(w, "QUEUE\tPENDING\tFAILED\tTAGS")
			for _, q := range info.Queues {
				tags := make([]string, 0, len(q.Tags))
				for _, tc := range q.Tags {
					tags = append(tags, fmt.Sprintf("%s:%d", tc.Tag, tc.Count))
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", q.Name, q.Pending, q.Failed, joinOrDash(tags))
			}
			fmt.Fprintln(w)
			printWorkers(w, info.Workers)
			return w.Flush()
		},
	}
}

func tailCmd(a *app) *cobra.Command {
	var (
		target admin.TailTarget
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the log lines of a job or worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.svc.Tail(cmd.Context(), target, follow, func(e *domain.LogEntry) error {
				if a.outputJSON {
					return a.printJSON(e)
				}
				_, err := fmt.Fprintf(a.out, "%s %-5s %s\n", e.Time.Local().Format("15:04:05.000"), e.Level, e.Message)
				return err
			})
			if errors.Is(err, admin.ErrNoTailTarget) {
				return errors.New("one of --job, --worker or --name is required")
			}
			if err != nil && cmd.Context().Err() != nil {
				// interrupted while following
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target.JobID, "job", "", "Job ID")
	cmd.Flags().StringVar(&target.WorkerID, "worker", "", "Worker ID")
	cmd.Flags().StringVar(&target.WorkerName, "name", "", "Worker name, latest run")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing until the job or worker finishes")
	cmd.MarkFlagsMutuallyExclusive("job", "worker", "name")
	return cmd
}
