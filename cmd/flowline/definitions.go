package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowline"
)

func newDefinitionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Inspect process definitions",
	}

	validate := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Parse and validate definition files without deploying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), flags.json)
			type result struct {
				File  string `json:"file"`
				Key   string `json:"key,omitempty"`
				Nodes int    `json:"nodes"`
				Error string `json:"error,omitempty"`
			}
			var (
				results []result
				failed  int
			)
			for _, path := range args {
				def, err := flowline.LoadDefinitionFile(path)
				if err == nil {
					err = def.Validate()
				}
				r := result{File: path, Key: def.Key, Nodes: len(def.Nodes)}
				if err != nil {
					r.Error = err.Error()
					failed++
				}
				results = append(results, r)
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				status := "ok"
				if r.Error != "" {
					status = r.Error
				}
				rows = append(rows, []string{r.File, orDash(r.Key), fmt.Sprint(r.Nodes), status})
			}
			if err := p.table(results, []string{"FILE", "KEY", "NODES", "STATUS"}, rows); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the definitions deployed from the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var (
					defs []flowline.ProcessDefinition
					rows [][]string
				)
				for _, path := range a.cfg.Definitions {
					def, err := flowline.LoadDefinitionFile(path)
					if err != nil {
						return err
					}
					latest, err := a.rt.Engine.LatestDefinition(def.Key)
					if err != nil {
						return err
					}
					defs = append(defs, latest)
					rows = append(rows, []string{latest.ID, latest.Key, orDash(latest.Name), fmt.Sprint(len(latest.Nodes))})
				}
				return newPrinter(cmd.OutOrStdout(), flags.json).table(defs, []string{"ID", "KEY", "NAME", "NODES"}, rows)
			})
		},
	}

	cmd.AddCommand(validate, list)
	return cmd
}
