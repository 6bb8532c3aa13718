package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/store"
)

func printWorkers(w *tabwriter.Writer, workers []admin.WorkerInfo) {
	fmt.Fprintln(w, "WORKER\tNAME\tHOST\tPID\tQUEUES\tTAGS\tPROCESSED\tBACKLOG\tCHECK-IN")
	for _, wi := range workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			wi.ID, wi.Name, wi.Host, wi.PID,
			joinOrDash(wi.Queues), joinOrDash(wi.Tags),
			wi.Processed, wi.Backlog, formatTime(wi.LastCheckIn),
		)
	}
}

func workingCmd(a *app) *cobra.Command {
	var (
		all   bool
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "working",
		Short: "List working workers, or flag them all as not working with --reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				n, err := a.svc.ResetWorking(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Flagged %d worker(s) as not working\n", n)
				return nil
			}

			workers, err := a.svc.Workers(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return a.printJSON(workers)
			}
			w := a.table()
			printWorkers(w, workers)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include finished worker runs")
	cmd.Flags().BoolVar(&reset, "reset", false, "Flag every working worker as not working")
	return cmd
}

func shutdownCmd(a *app) *cobra.Command {
	var (
		sel    store.ShutdownSelector
		status int
	)
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask working workers to exit on their next check-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.svc.Shutdown(cmd.Context(), sel, status)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Requested shutdown of %d worker(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&sel.WorkerID, "worker", "", "Only this worker ID")
	cmd.Flags().StringVar(&sel.Host, "host", "", "Only workers on this host")
	cmd.Flags().StringVar(&sel.Name, "name", "", "Only workers with this name")
	cmd.Flags().IntVar(&status, "status", 0, "Exit status the workers should use")
	return cmd
}
