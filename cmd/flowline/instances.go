package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowline"
	"github.com/petrijr/flowline/pkg/api"
)

func newInstancesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"inst"},
		Short:   "Start, inspect and remove process instances",
	}
	cmd.AddCommand(
		newInstancesListCmd(flags),
		newInstancesStartCmd(flags),
		newInstancesTriggerCmd(flags),
		newInstancesVariablesCmd(flags),
		newInstancesDeleteCmd(flags),
		newInstancesDeleteBatchCmd(flags),
		newInstancesMigrateCmd(flags),
	)
	return cmd
}

// parseVars turns name=value pairs into variables. Values are read as YAML
// scalars, so "3" becomes an int and "true" a bool.
func parseVars(pairs map[string]string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for name, raw := range pairs {
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		vars[name] = v
	}
	return vars, nil
}

func executionRows(exs []*api.Execution) [][]string {
	rows := make([][]string, 0, len(exs))
	for _, ex := range exs {
		rows = append(rows, []string{
			ex.ID,
			ex.ProcessDefinitionID,
			ex.CurrentNodeID,
			fmt.Sprint(ex.IsActive),
			fmt.Sprint(ex.IsParked),
			formatTime(ex.CreatedAt),
		})
	}
	return rows
}

var executionHeader = []string{"ID", "DEFINITION", "NODE", "ACTIVE", "PARKED", "CREATED"}

func newInstancesListCmd(flags *globalFlags) *cobra.Command {
	var (
		key      string
		instance string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List process instances, or the executions of one instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				q := api.ExecutionQuery{
					ProcessDefinitionKey: key,
					ProcessInstanceID:    instance,
					RootsOnly:            instance == "",
					Limit:                limit,
				}
				exs, err := a.rt.Engine.ListExecutions(ctx, q)
				if err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(exs, executionHeader, executionRows(exs))
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "only instances of this definition key")
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "list every execution of this process instance")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of rows")
	return cmd
}

func newInstancesStartCmd(flags *globalFlags) *cobra.Command {
	var vars map[string]string
	cmd := &cobra.Command{
		Use:   "start KEY",
		Short: "Start an instance of the latest version of a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				pi, err := a.rt.Engine.StartProcessInstance(ctx, args[0], values)
				if err != nil {
					return fmt.Errorf("start %s: %w", args[0], err)
				}
				state := "waiting at " + pi.CurrentNodeID
				if !pi.IsActive {
					state = "ended"
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).line(pi, "started %s (%s)", pi.ID, state)
			})
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "process variable as name=value (repeatable)")
	return cmd
}

func newInstancesTriggerCmd(flags *globalFlags) *cobra.Command {
	var (
		event string
		vars  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "trigger EXECUTION",
		Short: "Signal an execution waiting in a user or receive task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.rt.Engine.Trigger(ctx, args[0], event, payload); err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).line(
					map[string]string{"executionId": args[0], "event": event},
					"triggered %s with %q", args[0], event)
			})
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "complete", "event name handed to the waiting node")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "payload variable as name=value (repeatable)")
	return cmd
}

func newInstancesVariablesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "variables EXECUTION",
		Short: "Show the variables visible from an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				vars, err := a.rt.Engine.Variables(ctx, args[0])
				if err != nil {
					return err
				}
				names := make([]string, 0, len(vars))
				for name := range vars {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					rows = append(rows, []string{name, fmt.Sprintf("%v", vars[name])})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(vars, []string{"NAME", "VALUE"}, rows)
			})
		},
	}
}

func newInstancesDeleteCmd(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete INSTANCE",
		Short: "Delete one process instance with its executions and jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.rt.Engine.DeleteProcessInstance(ctx, args[0], reason); err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).line(
					map[string]string{"processInstanceId": args[0], "reason": reason},
					"deleted %s", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "deleted", "end reason recorded for the instance")
	return cmd
}

// batchFlags are shared by the commands that create instance batches.
type batchFlags struct {
	key        string
	definition string
	size       int
	mode       string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.key, "key", "k", "", "select instances of every version of this definition key")
	cmd.Flags().StringVar(&f.definition, "definition", "", "select instances of this definition id (key:version)")
	cmd.Flags().IntVar(&f.size, "size", 0, "instances per batch part (0 uses the configured default)")
	cmd.Flags().StringVar(&f.mode, "mode", string(api.BatchModeSequential), "partitioning mode: sequential or parallel")
}

func (f *batchFlags) query() (flowline.ProcessInstanceQuery, flowline.BatchMode, error) {
	q := flowline.ProcessInstanceQuery{ProcessDefinitionKey: f.key, ProcessDefinitionID: f.definition}
	if q.ProcessDefinitionKey == "" && q.ProcessDefinitionID == "" {
		return q, "", fmt.Errorf("one of --key or --definition is required")
	}
	mode := api.BatchMode(strings.ToLower(f.mode))
	if mode != api.BatchModeSequential && mode != api.BatchModeParallel {
		return q, "", fmt.Errorf("unknown batch mode %q", f.mode)
	}
	return q, mode, nil
}

func printBatch(cmd *cobra.Command, flags *globalFlags, b *api.Batch) error {
	return newPrinter(cmd.OutOrStdout(), flags.json).line(b,
		"batch %s created (%s, %s, %d items)", b.ID, b.Type, b.Mode, b.TotalItems)
}

func newInstancesDeleteBatchCmd(flags *globalFlags) *cobra.Command {
	var (
		bf     batchFlags
		reason string
	)
	cmd := &cobra.Command{
		Use:   "delete-batch",
		Short: "Delete every matching process instance in a background batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, mode, err := bf.query()
			if err != nil {
				return err
			}
			q.Reason = reason
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				b, err := a.rt.DeleteProcessInstancesAsync(ctx, q, bf.size, mode)
				if err != nil {
					return err
				}
				return printBatch(cmd, flags, b)
			})
		},
	}
	bf.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "deleted by batch", "end reason recorded for each instance")
	return cmd
}

func newInstancesMigrateCmd(flags *globalFlags) *cobra.Command {
	var (
		bf     batchFlags
		target string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move every matching process instance to another definition version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, mode, err := bf.query()
			if err != nil {
				return err
			}
			if target == "" {
				return fmt.Errorf("--to is required")
			}
			q.TargetDefinitionID = target
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				b, err := a.rt.MigrateProcessInstancesAsync(ctx, q, bf.size, mode)
				if err != nil {
					return err
				}
				return printBatch(cmd, flags, b)
			})
		},
	}
	bf.register(cmd)
	cmd.Flags().StringVar(&target, "to", "", "target definition id (key:version)")
	return cmd
}
