package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "job",
		Aliases: []string{"jobs"},
		Short:   "Inspect jobs",
	}

	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		instance   string
		running    bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			ctx := cmd.Context()
			st := store.New(gormDB)
			filter := store.JobFilter{RunningOnly: running, Limit: limit}
			if instance != "" {
				inst, err := resolveInstance(ctx, st, instance)
				if err != nil {
					return err
				}
				filter.InstanceID = inst.ID
			}
			list, err := st.ListJobs(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINSTANCE\tCODE\tSTATE\tSTARTED\tBY\tDESCRIPTION")
			for _, j := range list {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.InstanceID, j.JobCode, jobState(j), j.StartedAt.Local().Format(time.DateTime), dash(j.StartedBy), j.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "only jobs of this instance (id or name)")
	cmd.Flags().BoolVar(&running, "running", false, "only running jobs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			j, err := store.New(gormDB).GetJob(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %d: %s\n", j.ID, j.Description)
			fmt.Fprintf(out, "  Instance:  %d\n", j.InstanceID)
			fmt.Fprintf(out, "  Code:      %s\n", j.JobCode)
			fmt.Fprintf(out, "  State:     %s\n", jobState(j))
			fmt.Fprintf(out, "  Started:   %s by %s\n", j.StartedAt.Local().Format(time.DateTime), dash(j.StartedBy))
			if j.StoppedAt != nil {
				fmt.Fprintf(out, "  Stopped:   %s (%s)\n", j.StoppedAt.Local().Format(time.DateTime), j.StoppedAt.Sub(j.StartedAt).Round(time.Millisecond))
			}
			if j.Cancelled {
				fmt.Fprintf(out, "  Cancelled: by %s\n", dash(j.CancelledBy))
			}
			if j.ErrorCode != nil {
				fmt.Fprintf(out, "  Error:     %s\n", j.ErrorCode)
			}
			if j.ExceptionDetails != "" {
				fmt.Fprintf(out, "\n%s\n", j.ExceptionDetails)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

// jobState summarizes how a job ended.
func jobState(j models.Job) string {
	switch {
	case j.Running():
		return "running"
	case j.Cancelled:
		return "cancelled"
	case j.ErrorCode != nil:
		return "failed"
	default:
		return "succeeded"
	}
}
