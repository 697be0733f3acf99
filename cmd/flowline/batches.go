package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowline/pkg/api"
)

func newBatchesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and cancel batches",
	}
	cmd.AddCommand(
		newBatchesListCmd(flags),
		newBatchesPartsCmd(flags),
		newBatchesCancelCmd(flags),
	)
	return cmd
}

func newBatchesListCmd(flags *globalFlags) *cobra.Command {
	var (
		q      api.BatchQuery
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = api.BatchStatus(status)
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				batches, err := a.rt.Batches.ListBatches(ctx, q)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(batches))
				for _, b := range batches {
					rows = append(rows, []string{
						b.ID, b.Type, string(b.Mode), string(b.Status), orDash(b.Phase),
						fmt.Sprint(b.TotalItems), fmt.Sprint(b.BatchSize),
						formatTime(b.CreateTime), formatTimePtr(b.CompleteTime),
					})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(batches,
					[]string{"ID", "TYPE", "MODE", "STATUS", "PHASE", "ITEMS", "SIZE", "CREATED", "COMPLETED"}, rows)
			})
		},
	}
	cmd.Flags().StringVarP(&q.Type, "type", "t", "", "only batches of this operation")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only batches in this status")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "maximum number of rows")
	return cmd
}

func newBatchesPartsCmd(flags *globalFlags) *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "parts BATCH",
		Short: "List the parts of a batch in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				parts, err := a.rt.Batches.ListParts(ctx, args[0], phase)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(parts))
				for _, p := range parts {
					rows = append(rows, []string{
						p.ID, p.Type, p.SearchKey, string(p.Status),
						formatTime(p.CreateTime), formatTimePtr(p.CompleteTime), orDash(p.ResultDocumentJSON),
					})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(parts,
					[]string{"ID", "PHASE", "KEY", "STATUS", "CREATED", "COMPLETED", "RESULT"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "only parts of this phase (compute, apply, sequential)")
	return cmd
}

func newBatchesCancelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel BATCH",
		Short: "Stop a batch and delete its pending jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.rt.Batches.CancelBatch(ctx, args[0]); err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).line(
					map[string]string{"batchId": args[0], "status": string(api.BatchStatusStopped)},
					"batch %s stopped", args[0])
			})
		},
	}
}
