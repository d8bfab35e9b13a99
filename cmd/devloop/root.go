package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/devloop/internal/dlog"
)

var (
	flagLogLevel    string
	flagLogJSON     bool
	flagWorkerCnt   int
	flagMetricsAddr string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "devloop",
		Short: "Run declarative, config-driven development tasks on the host or in Docker",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := dlog.FromEnv()
			if flagLogLevel != "" {
				cfg.Level = dlog.Level(flagLogLevel)
			}
			if flagLogJSON {
				cfg.JSONOutput = true
			}
			dlog.Init(cfg)
		},
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "off|error|warn|info|debug|trace (overrides RUST_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON (overrides RUST_LOG_FORMAT)")
	root.PersistentFlags().IntVar(&flagWorkerCnt, "worker-count", 0, "parallel worker count (overrides DL_WORKER_COUNT/NumCPU)")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	root.AddCommand(newListCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newCleanCmd())

	return root
}
