package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowline/internal/config"
)

type globalFlags struct {
	configPath string
	envFile    string
	json       bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "flowline",
		Short:         "flowline process engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "path to a .env file loaded before the environment is read")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(flags),
		newDefinitionsCmd(flags),
		newInstancesCmd(flags),
		newJobsCmd(flags),
		newBatchesCmd(flags),
		newHistoryCmd(flags),
	)
	return root
}

// withApp loads the configuration, builds the app, runs fn and closes the
// app again.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		return err
	}
	return runErr
}
