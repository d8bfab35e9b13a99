package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/devloop/internal/plan"
)

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "exec <task> [args...]",
		Short:              "Run a single task (and its pipeline/oneof selections) to completion",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}

			taskName, taskArgs := args[0], args[1:]

			helperLine, err := a.fetchHelperSourceLine(ctx)
			if err != nil {
				return failureError(10, err)
			}

			pipelineID := plan.NewPipelineID()
			builder := plan.Builder{
				Graph:            a.graph,
				Fetcher:          a.fetcher,
				WorkDir:          a.projectRoot,
				HelperSourceLine: helperLine,
			}

			units, err := builder.Lower(ctx, taskName, taskArgs, pipelineID)
			if err != nil {
				return usageError("%s", err)
			}

			exitCode, err := a.runUnits(ctx, units)
			if err != nil {
				return failureError(10, err)
			}
			if exitCode != 0 {
				return failureError(exitCode, nil)
			}
			return nil
		},
	}
}
