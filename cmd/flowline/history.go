package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the recorded history of a process instance or batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				events, err := a.events.ListEvents(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{
						formatTime(ev.At), string(ev.Type), orDash(ev.ActivityID), orDash(ev.ExecutionID), orDash(ev.Detail),
					})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(events,
					[]string{"AT", "TYPE", "ACTIVITY", "EXECUTION", "DETAIL"}, rows)
			})
		},
	}
}
