// Package runner schedules a set of plan.WorkUnits onto a bounded pool of
// workers. Go's MPMC channels already give a shared work queue the same
// steal-on-demand behavior a hand-rolled Chase-Lev deque buys in the
// original: an idle worker immediately picks up the next unit rather than
// waiting on a per-worker queue, with none of a lock-free deque's
// complexity, which in a garbage-collected runtime with goroutine-cheap
// concurrency buys little on top of a well-tested channel.
package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/executor"
	"github.com/cuemby/devloop/internal/indicator"
	"github.com/cuemby/devloop/internal/plan"
)

// Result is the outcome of running one WorkUnit.
type Result struct {
	RootTask string
	ExitCode int
	Err      error
}

// Run schedules every unit across workers concurrent goroutines (at most
// len(units) are ever started), stopping a unit's own sequence of steps at
// the first nonzero exit code and aggregating all units' outcomes into one
// overall exit code: the first nonzero code observed, clamped to [0,255].
// Each unit occupies one numbered worker slot for its whole duration; the
// slot number is threaded into every Execute call so executors can tag
// their output per worker. Cancellation is cooperative: once cancelled is
// set, units not yet started are skipped and in-flight steps are left to
// the executor's own cancellation handling to wind down.
func Run(ctx context.Context, units []plan.WorkUnit, execRepo *executor.Repository, workers int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, []Result, error) {
	if workers < 1 {
		workers = 1
	}
	if len(units) == 0 {
		return 0, nil, nil
	}

	slots := make(chan int, workers)
	for i := 0; i < workers; i++ {
		slots <- i
	}

	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	results := make([]Result, 0, len(units))
	finalExit := 0

dispatch:
	for _, u := range units {
		unit := u

		if cancelled.IsSet() {
			break
		}

		var slot int
		select {
		case slot = <-slots:
		case <-gctx.Done():
			break dispatch
		}

		g.Go(func() error {
			defer func() { slots <- slot }()

			code, err := runUnit(gctx, unit, execRepo, slot, cancelled, logCh, changeCh)
			if err != nil && code == 0 {
				// A unit its executor failed to run counts as failed, with
				// the synthetic exit code 10.
				code = 10
			}

			mu.Lock()
			results = append(results, Result{RootTask: unit.RootTask, ExitCode: code, Err: err})
			if code != 0 && finalExit == 0 {
				finalExit = clampExit(code)
			}
			mu.Unlock()

			// A failed unit stops the whole run: units not yet dispatched
			// are skipped and in-flight executors observe the flag in
			// their own poll loops.
			if code != 0 || err != nil {
				cancelled.Set()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return clampExit(finalExit), results, err
	}
	return clampExit(finalExit), results, nil
}

// runUnit runs a WorkUnit's steps in order on one worker slot, stopping at
// the first nonzero exit code (invariant: pipeline steps are atomic and
// sequential).
func runUnit(ctx context.Context, unit plan.WorkUnit, execRepo *executor.Repository, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, error) {
	for _, step := range unit.Steps {
		if cancelled.IsSet() {
			if step.Context.CtrlcIsFailure {
				return executor.CancelExitCode, nil
			}
			return 0, nil
		}

		exec, err := execRepo.Resolve(step.CustomExecutorID, step.Needs)
		if err != nil {
			return 0, err
		}

		release := execRepo.Acquire(exec.ID())
		code, err := exec.Execute(ctx, step.Context, workerIndex, cancelled, logCh, changeCh)
		release()

		if err != nil {
			return 0, err
		}
		if code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

func clampExit(code int) int {
	if code < 0 {
		return 1
	}
	if code > 255 {
		return 255
	}
	return code
}
