package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/devloop/internal/plan"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <preset>",
		Short: "Run every task (or oneof option) tagged by a named preset, in parallel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}

			presetName := args[0]
			var tags []string
			found := false
			for _, p := range a.tlc.Presets {
				if p.Name == presetName {
					tags = p.Tags
					found = true
					break
				}
			}
			if !found {
				names := make([]string, len(a.tlc.Presets))
				for i, p := range a.tlc.Presets {
					names[i] = p.Name
				}
				return usageError("no preset named %q (known presets: %v)", presetName, names)
			}

			helperLine, err := a.fetchHelperSourceLine(ctx)
			if err != nil {
				return failureError(10, err)
			}

			builder := plan.Builder{
				Graph:            a.graph,
				Fetcher:          a.fetcher,
				WorkDir:          a.projectRoot,
				HelperSourceLine: helperLine,
			}

			units, err := builder.LowerByTags(ctx, tags)
			if err != nil {
				return usageError("%s", err)
			}
			if len(units) == 0 {
				return usageError("preset %q matched no tasks", presetName)
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
