// Package cancel implements the process-wide cooperative cancellation flag:
// a single atomic boolean, set once by an interrupt and never cleared,
// checked by the runner, executors, and the Docker client between steps.
package cancel

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cuemby/devloop/internal/dlog"
)

// Flag is a cooperative, one-way cancellation signal. The zero value is
// "not cancelled".
type Flag struct {
	stopped atomic.Bool
}

// New returns a fresh, unset Flag.
func New() *Flag {
	return &Flag{}
}

// Set marks the flag as cancelled. Idempotent.
func (f *Flag) Set() {
	f.stopped.Store(true)
}

// IsSet reports whether cancellation has been requested.
func (f *Flag) IsSet() bool {
	return f.stopped.Load()
}

// InstallSignalHandler wires f to SIGINT/SIGTERM: the first signal sets f
// and lets the caller shut down cooperatively; a second signal (or the same
// one, on platforms without signal coalescing) kills the process outright
// so an unresponsive run is never unkillable.
func InstallSignalHandler(f *Flag) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		hits := 0
		for {
			select {
			case <-ch:
				hits++
				dlog.WithComponent("cancel").Debug().Msg("interrupt received")
				f.Set()
				if hits >= 2 {
					os.Exit(130)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
