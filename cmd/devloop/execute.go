package main

import (
	"context"
	"os"
	"time"

	"github.com/docker/go-units"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/dlog"
	"github.com/cuemby/devloop/internal/indicator"
	"github.com/cuemby/devloop/internal/plan"
	"github.com/cuemby/devloop/internal/runner"
)

// supervisorTick is how often the indicator is asked to consider a repaint;
// the indicator's own throttle (internal/indicator/throttle.go) still gates
// the actual render cadence down to ~100ms.
const supervisorTick = 50 * time.Millisecond

// runUnits drives one set of WorkUnits through the runner, rendering the
// terminal indicator concurrently, and returns the aggregated exit code.
// Executor cleanup only runs when every unit succeeded, so a failed run
// leaves its containers and scripts in place for debugging.
func (a *app) runUnits(ctx context.Context, workUnits []plan.WorkUnit) (int, error) {
	if err := a.registerCustomExecutors(workUnits); err != nil {
		return 0, err
	}

	if flagMetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, flagMetricsAddr); err != nil {
				dlog.WithComponent("metrics").Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	taskTotal := 0
	for _, u := range workUnits {
		taskTotal += len(u.Steps)
	}
	ind, logCh, changeCh := indicator.New(taskTotal, os.Stdout)

	cancelled := cancel.New()
	stopSignals := cancel.InstallSignalHandler(cancelled)
	defer stopSignals()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(supervisorTick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ind.Tick()
			}
		}
	}()

	start := time.Now()
	exitCode, results, err := runner.Run(ctx, workUnits, a.executors, a.workers, cancelled, logCh, changeCh)
	close(done)
	ind.StopAndFlush()

	dlog.WithComponent("runner").Info().
		Str("took", units.HumanDuration(time.Since(start))).
		Int("exit_code", exitCode).
		Msg("run finished")

	for _, r := range results {
		a.metrics.ObserveTask(r.RootTask, r.ExitCode, time.Since(start))
		if r.Err != nil {
			dlog.WithComponent("runner").Warn().Err(r.Err).Str("task", r.RootTask).Msg("work unit failed to run")
		}
	}

	if err != nil {
		return 0, err
	}

	if exitCode == 0 {
		for _, e := range a.executors.All() {
			if err := e.Clean(context.Background()); err != nil {
				dlog.WithComponent("executor").Warn().Err(err).Msg("post-run cleanup failed")
			}
		}
	}

	return exitCode, nil
}
