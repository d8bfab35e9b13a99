package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/devloop/internal/dlog"
	"github.com/cuemby/devloop/internal/entrypoint"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every host scratch directory and dl-* Docker container/network, from this or any past run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}

			var failures []string
			for _, e := range a.executors.All() {
				if err := e.Clean(ctx); err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", e.ID(), err))
				}
			}

			// The per-executor Clean above only tears down resources this
			// process itself created; sweep by name prefix too so a clean
			// run also catches leftovers from prior invocations.
			if err := entrypoint.CleanHostTempDirs(a.tmpRoot); err != nil {
				failures = append(failures, err.Error())
			}
			// A project that never uses Docker executors has no engine to
			// reach; an unreachable socket here is expected, not an error
			// worth failing `clean` over, so it's logged rather than added
			// to failures.
			if err := a.dockerClient.CleanAll(ctx); err != nil {
				dlog.WithComponent("cmd.clean").Warn().Err(err).Msg("docker cleanup skipped")
			}

			if len(failures) > 0 {
				return failureError(10, fmt.Errorf("cleanup failed: %v", failures))
			}
			return nil
		},
	}
}
