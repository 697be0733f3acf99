package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowline/pkg/api"
)

func newJobsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and execute jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(flags),
		newJobsDeadLettersCmd(flags),
		newJobsRetryCmd(flags),
		newJobsExecuteCmd(flags),
	)
	return cmd
}

func jobQueryFlags(cmd *cobra.Command, q *api.JobQuery) {
	cmd.Flags().StringVarP(&q.Type, "type", "t", "", "only jobs of this type")
	cmd.Flags().StringVarP(&q.ProcessInstanceID, "instance", "i", "", "only jobs of this process instance")
	cmd.Flags().StringVar(&q.CorrelationID, "correlation", "", "only jobs with this correlation id")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "maximum number of rows")
}

func newJobsListCmd(flags *globalFlags) *cobra.Command {
	var q api.JobQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending jobs ordered by due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				jobs, err := a.rt.Engine.ListJobs(ctx, q)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID, j.Type, j.CorrelationID, formatTime(j.DueDate),
						fmt.Sprint(j.RetriesLeft), orDash(j.LockOwner), orDash(j.ExceptionMessage),
					})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(jobs,
					[]string{"ID", "TYPE", "CORRELATION", "DUE", "RETRIES", "LOCK", "ERROR"}, rows)
			})
		},
	}
	jobQueryFlags(cmd, &q)
	return cmd
}

func newJobsDeadLettersCmd(flags *globalFlags) *cobra.Command {
	var q api.JobQuery
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List jobs whose retries are exhausted",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				jobs, err := a.rt.Engine.ListDeadLetterJobs(ctx, q)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID, j.Type, j.CorrelationID, formatTime(j.FailedAt),
						fmt.Sprint(j.Attempts), orDash(j.ExceptionMessage),
					})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(jobs,
					[]string{"ID", "TYPE", "CORRELATION", "FAILED", "ATTEMPTS", "ERROR"}, rows)
			})
		},
	}
	jobQueryFlags(cmd, &q)
	return cmd
}

func newJobsRetryCmd(flags *globalFlags) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "retry DEAD_LETTER_ID",
		Short: "Move a dead-letter job back into the job table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				job, err := a.rt.Engine.RetryDeadLetterJob(ctx, args[0], retries)
				if err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).line(job,
					"job %s restored with %d retries", job.ID, job.RetriesLeft)
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry budget of the restored job (0 uses the configured default)")
	return cmd
}

func newJobsExecuteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Execute the jobs that are due now and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.rt.ExecuteDueJobs(ctx)
				if perr := newPrinter(cmd.OutOrStdout(), flags.json).line(
					map[string]int{"executed": n}, "executed %d jobs", n); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
