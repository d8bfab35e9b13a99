// Package indicator implements the throttled terminal renderer: a footer
// showing how many tasks are running/finished, interleaved with
// line-buffered, tag-prefixed child process output.
package indicator

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// LogEvent carries one chunk of raw output from a running task.
type LogEvent struct {
	Tag      string
	Chunk    string
	IsStderr bool
}

// ChangeKind discriminates a TaskChange event.
type ChangeKind int

const (
	Started ChangeKind = iota
	Finished
)

// TaskChange notifies the indicator that a task has started or finished.
type TaskChange struct {
	Kind ChangeKind
	Tag  string
}

const channelCapacity = 1 << 16

// Indicator is the throttled terminal renderer. It owns the receiving end
// of two channels; producers (executors, the runner) hold the send-only
// views returned by New.
type Indicator struct {
	out io.Writer

	logCh  chan LogEvent
	taskCh chan TaskChange

	mu                sync.Mutex
	outBuffers        map[string]*strings.Builder
	errBuffers        map[string]*strings.Builder
	running           map[string]struct{}
	tasksRan          int
	tasksTotal        int
	linesRendered     int
	rawLineSincePaint bool

	throttle *throttle

	useColorOut bool
	useColorErr bool

	stopped bool
}

// New creates an Indicator for a run expecting taskTotal leaf units, and
// returns the send-only channel views for the runner/executors to publish
// on. The channels are generously buffered rather than truly unbounded
// (Go has no unbounded channel primitive); a run with more in-flight log
// chunks than the buffer would need many thousands of untailed lines
// simultaneously, which does not happen in practice for a local task runner.
func New(taskTotal int, out io.Writer) (*Indicator, chan<- LogEvent, chan<- TaskChange) {
	if out == nil {
		out = os.Stdout
	}
	ind := &Indicator{
		out:         out,
		logCh:       make(chan LogEvent, channelCapacity),
		taskCh:      make(chan TaskChange, channelCapacity),
		outBuffers:  make(map[string]*strings.Builder),
		errBuffers:  make(map[string]*strings.Builder),
		running:     make(map[string]struct{}),
		tasksTotal:  taskTotal,
		throttle:    newThrottle(),
		useColorOut: colorEnabled("DL_FORCE_STDOUT_COLOR", os.Stdout),
		useColorErr: colorEnabled("DL_FORCE_STDERR_COLOR", os.Stderr),
	}
	return ind, ind.logCh, ind.taskCh
}

func colorEnabled(streamOverrideVar string, f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("DL_FORCE_COLOR") != "" || os.Getenv(streamOverrideVar) != "" {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Tick drains pending events and repaints the footer, subject to the
// internal throttle.
func (ind *Indicator) Tick() {
	if !ind.throttle.allowed() {
		ind.drainNonBlocking()
		return
	}
	ind.drainNonBlocking()
	ind.repaint()
}

func (ind *Indicator) drainNonBlocking() {
	// Log chunks are applied before task changes, so a Finished event
	// drained in the same tick flushes the fragment sent ahead of it.
logs:
	for {
		select {
		case ev := <-ind.logCh:
			ind.applyLog(ev)
		default:
			break logs
		}
	}

	for {
		select {
		case change := <-ind.taskCh:
			ind.applyChange(change)
		default:
			return
		}
	}
}

func (ind *Indicator) applyChange(change TaskChange) {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	switch change.Kind {
	case Started:
		ind.running[change.Tag] = struct{}{}
	case Finished:
		delete(ind.running, change.Tag)
		ind.tasksRan++
		ind.flushBuffer(ind.outBuffers, change.Tag, false)
		ind.flushBuffer(ind.errBuffers, change.Tag, true)
	}
}

func (ind *Indicator) applyLog(ev LogEvent) {
	ind.mu.Lock()
	defer ind.mu.Unlock()

	buffers := ind.outBuffers
	if ev.IsStderr {
		buffers = ind.errBuffers
	}
	b, ok := buffers[ev.Tag]
	if !ok {
		b = &strings.Builder{}
		buffers[ev.Tag] = b
	}
	b.WriteString(ev.Chunk)

	full := b.String()
	lines := strings.Split(full, "\n")
	// Everything but the last element was newline-terminated.
	for i := 0; i < len(lines)-1; i++ {
		ind.emitLine(ev.Tag, lines[i], ev.IsStderr)
	}
	b.Reset()
	b.WriteString(lines[len(lines)-1])
}

func (ind *Indicator) flushBuffer(buffers map[string]*strings.Builder, tag string, isStderr bool) {
	b, ok := buffers[tag]
	if !ok {
		return
	}
	if b.Len() > 0 {
		ind.emitLine(tag, b.String(), isStderr)
		b.Reset()
	}
}

func (ind *Indicator) emitLine(tag, line string, isStderr bool) {
	ind.rawLineSincePaint = true

	useColor := ind.useColorOut
	if isStderr {
		useColor = ind.useColorErr
	}

	if !useColor {
		fmt.Fprintln(ind.out, line)
		return
	}

	truncated := tag
	if len(truncated) > 10 {
		truncated = truncated[:7] + "..."
	}
	padded := truncated + strings.Repeat(" ", max(0, 10-len(truncated)))
	tagColor := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(ind.out, "%s| %s\n", tagColor(padded), line)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// repaint erases the previous footer (unless a raw log line flew by since
// the last paint, in which case erasing would eat that output) and redraws
// it.
func (ind *Indicator) repaint() {
	ind.mu.Lock()
	defer ind.mu.Unlock()

	if !ind.rawLineSincePaint {
		ind.eraseLocked()
	}
	ind.rawLineSincePaint = false
	ind.printFooterLocked()
}

func (ind *Indicator) eraseLocked() {
	if ind.linesRendered == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("\x1B[2K")
	for i := 0; i < ind.linesRendered-1; i++ {
		b.WriteString("\x1B[1A\x1B[2K")
	}
	b.WriteString("\r")
	fmt.Fprint(ind.out, b.String())
}

func (ind *Indicator) printFooterLocked() {
	running := make([]string, 0, len(ind.running))
	for tag := range ind.running {
		running = append(running, tag)
	}
	sort.Strings(running)

	fmt.Fprintf(ind.out, "[%d/%d] %d Tasks Running...\n", ind.tasksRan, ind.tasksTotal, len(running))
	for _, tag := range running {
		fmt.Fprintf(ind.out, "  %s\n", tag)
	}
	ind.linesRendered = 1 + len(running)
}

// StopAndFlush drains every remaining event and flushes any buffered
// partial lines, then leaves the footer in its final state.
func (ind *Indicator) StopAndFlush() {
	if ind.stopped {
		return
	}
	ind.stopped = true

	ind.drainNonBlocking()

	ind.mu.Lock()
	for tag, b := range ind.outBuffers {
		if b.Len() > 0 {
			ind.emitLine(tag, b.String(), false)
			b.Reset()
		}
	}
	for tag, b := range ind.errBuffers {
		if b.Len() > 0 {
			ind.emitLine(tag, b.String(), true)
			b.Reset()
		}
	}
	ind.mu.Unlock()

	ind.repaint()
}
