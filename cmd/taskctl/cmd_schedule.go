package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/scheduler"
)

func scheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring schedule rules",
	}
	cmd.AddCommand(
		scheduleAddCmd(a),
		scheduleListCmd(a),
		scheduleRemoveCmd(a),
		schedulePauseCmd(a),
	)
	return cmd
}

func scheduleAddCmd(a *app) *cobra.Command {
	var opts scheduler.RuleOptions
	cmd := &cobra.Command{
		Use:   "add <rule> <task>",
		Short: "Add a rule: a cron expression, @descriptor or RRULE",
		Example: `  taskctl schedule add "*/5 * * * *" tasks.Cleanup
  taskctl schedule add "@every 1h" tasks.Digest --queue digests
  taskctl schedule add "FREQ=DAILY;BYHOUR=3" tasks.Report`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.svc.Scheduler().AddRule(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return a.printJSON(r)
			}
			fmt.Fprintf(a.out, "Rule %s added\n", r.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Queue, "queue", "q", "", "Queue the task is enqueued on")
	cmd.Flags().StringSliceVarP(&opts.Tags, "tags", "t", nil, "Tags of the enqueued jobs")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Timeout of the enqueued jobs")
	return cmd
}

func scheduleListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedule rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.svc.Scheduler().Rules(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				return a.printJSON(rules)
			}

			now := domain.Now()
			w := a.table()
			fmt.Fprintln(w, "RULE\tSCHEDULE\tTASK\tQUEUE\tPAUSED\tNEXT")
			for _, r := range rules {
				next := "-"
				if !r.Paused {
					if t, err := scheduler.NextOccurrence(r, now); err == nil {
						next = formatTime(t)
					} else {
						next = "invalid"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Rule, r.Task, r.Queue, r.Paused, next)
			}
			return w.Flush()
		},
	}
}

func scheduleRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Remove a schedule rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.Scheduler().RemoveRule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Rule %s removed\n", args[0])
			return nil
		},
	}
}

func schedulePauseCmd(a *app) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "pause <rule-id>",
		Short: "Pause a schedule rule, or resume it with --resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.svc.Scheduler().PauseRule(cmd.Context(), args[0], !resume); err != nil {
				return err
			}
			state := "paused"
			if resume {
				state = "resumed"
			}
			fmt.Fprintf(a.out, "Rule %s %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume instead of pausing")
	return cmd
}

