// Package executor defines the Executor abstraction shared by the host and
// Docker backends, plus the repository that resolves a task's execution_needs
// (or custom_executor, or the project default) to a concrete instance.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/indicator"
)

// TaskContext is the minimal, executor-agnostic description of one unit of
// work to run. It intentionally holds no reference to the task graph or the
// executor that will run it, so this package never needs to import the
// plan package that builds TaskContexts from a config.TaskConf.
type TaskContext struct {
	TaskName         string
	Args             []string
	PipelineID       string
	CtrlcIsFailure   bool
	ScriptContents   []byte
	WorkDir          string
	HelperSourceLine string
}

// Executor runs one TaskContext to completion, streaming its output on the
// given channels and honoring cooperative cancellation.
type Executor interface {
	// ID is a short, stable identifier ("host" for the shared host
	// executor, a HashID otherwise) under which the Repository keys it.
	ID() string
	// MeetsRequirements reports whether this executor advertises every tool
	// (and, where specified, a matching semver range) a task's
	// execution_needs list asks for.
	MeetsRequirements(needs []config.NeedsRequirement) bool
	// Execute runs one task to completion and reports its exit code.
	// workerIndex is the runner slot the task occupies; it prefixes every
	// emitted log/change tag so two concurrent runs of a same-named task
	// stay distinguishable downstream. A non-nil err indicates the
	// executor itself failed to run the task (setup/transport failure),
	// distinct from the task's own exit code.
	Execute(ctx context.Context, tc TaskContext, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (exitCode int, err error)
	// Clean releases any resources (containers, networks, temp dirs) this
	// executor has accumulated across the run.
	Clean(ctx context.Context) error
}

// WorkerTag prefixes a task name with the runner slot executing it; every
// log/change event an executor emits carries this tag so concurrent runs
// of a same-named task stay distinguishable.
func WorkerTag(workerIndex int, taskName string) string {
	return strconv.Itoa(workerIndex) + "-" + taskName
}

// HashID derives a short, stable identifier for an executor configuration
// from its type and params, used as the executor's id in the Repository.
// Hashed with xxhash rather than a cryptographic hash since collision
// resistance isn't a security property here. Identical configurations get
// the same id.
func HashID(conf config.ExecutorConf) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(conf.Type))
	keys := make([]string, 0, len(conf.Params))
	for k := range conf.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte(conf.Params[k]))
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// MatchesProvides reports whether a set of ProvideConf entries satisfies a
// single NeedsRequirement, using semver range matching when the requirement
// specifies a version_matcher and the provider specifies a version. A
// provider without a version, or an unparseable matcher, matches on name.
func MatchesProvides(provides []config.ProvideConf, need config.NeedsRequirement) bool {
	for _, p := range provides {
		if p.Name != need.Name {
			continue
		}
		matcher := need.GetVersionMatcher()
		if matcher == "" {
			return true
		}
		version := p.GetVersion()
		if version == "" {
			return true
		}
		constraint, err := semver.NewConstraint(matcher)
		if err != nil {
			return true
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			return true
		}
	}
	return false
}

// Repository holds every configured executor plus the project default, and
// resolves a task to the executor that should run it.
type Repository struct {
	byID     map[string]Executor
	order    []string
	defaultE Executor

	mu      sync.RWMutex
	active  map[string]int      // executor id -> number of in-flight tasks
	touched map[string]struct{} // executor ids that have handled at least one task
	gauge   ActivityGauge
}

// ActivityGauge counts in-flight tasks; satisfied by a prometheus.Gauge.
type ActivityGauge interface {
	Inc()
	Dec()
}

// NewRepository builds an empty repository; executors are registered with
// Register as they're instantiated by the caller (which knows how to turn
// each config.ExecutorConf into a concrete *Host or *Docker).
func NewRepository() *Repository {
	return &Repository{
		byID:    make(map[string]Executor),
		active:  make(map[string]int),
		touched: make(map[string]struct{}),
	}
}

// Register adds an executor to the repository. Re-registering an id is a
// no-op, so custom executors shared by several steps register once.
func (r *Repository) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[e.ID()]; ok {
		return
	}
	r.byID[e.ID()] = e
	r.order = append(r.order, e.ID())
}

// Registered reports whether an executor with the given id exists.
func (r *Repository) Registered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// SetDefault designates the project's default_executor.
func (r *Repository) SetDefault(e Executor) {
	r.defaultE = e
}

// SetActivityGauge attaches a gauge that tracks in-flight tasks across all
// executors, incremented on Acquire and decremented on release.
func (r *Repository) SetActivityGauge(g ActivityGauge) {
	r.gauge = g
}

// Resolve picks the executor for a task: its custom_executor if one is
// registered under that configuration's id; else, when execution_needs is
// non-empty, the first registered executor (preferring ones that have
// already handled a task) whose Provides satisfies every entry; else the
// project default. Returns an error if the custom executor is not
// registered, if no executor satisfies the needs, or if no default is set.
func (r *Repository) Resolve(customID string, needs []config.NeedsRequirement) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if customID != "" {
		if e, ok := r.byID[customID]; ok {
			return e, nil
		}
		return nil, fmt.Errorf("custom executor %q is not registered", customID)
	}

	if len(needs) > 0 {
		// Executors that have already handled a task this run are
		// preferred, so a pipeline keeps reusing the containers it has
		// already warmed up instead of spinning up an equivalent one.
		for _, id := range r.order {
			if _, warm := r.touched[id]; warm && r.byID[id].MeetsRequirements(needs) {
				return r.byID[id], nil
			}
		}
		for _, id := range r.order {
			if r.byID[id].MeetsRequirements(needs) {
				return r.byID[id], nil
			}
		}
		return nil, fmt.Errorf("no registered executor satisfies execution_needs %v", needs)
	}

	if r.defaultE != nil {
		return r.defaultE, nil
	}
	return nil, fmt.Errorf("no default_executor configured and task specifies no execution_needs")
}

// Acquire marks one task as in-flight on executor id, returning a release
// function. The count feeds ActiveCount and the activity gauge, and the
// executor is marked as having handled a task, which Resolve prefers.
func (r *Repository) Acquire(id string) func() {
	r.mu.Lock()
	r.active[id]++
	r.touched[id] = struct{}{}
	gauge := r.gauge
	r.mu.Unlock()
	if gauge != nil {
		gauge.Inc()
	}
	return func() {
		r.mu.Lock()
		r.active[id]--
		r.mu.Unlock()
		if gauge != nil {
			gauge.Dec()
		}
	}
}

// ActiveCount reports how many tasks are currently in-flight on id.
func (r *Repository) ActiveCount(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[id]
}

// All returns every registered executor plus the default (if set and not
// already registered), for Clean commands that tear everything down.
func (r *Repository) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.order))
	out := make([]Executor, 0, len(r.order)+1)
	for _, id := range r.order {
		out = append(out, r.byID[id])
		seen[id] = struct{}{}
	}
	if r.defaultE != nil {
		if _, ok := seen[r.defaultE.ID()]; !ok {
			out = append(out, r.defaultE)
		}
	}
	return out
}
