// Package plan lowers a requested task name into one or more WorkUnits the
// runner can schedule: a command task becomes a single step, a pipeline
// flattens its steps into one sequential, worker-atomic unit, a oneof
// selects and lowers its chosen option, and a parallel-pipeline's steps
// become independently stealable top-level units instead of one atomic run.
package plan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/didyoumean"
	"github.com/cuemby/devloop/internal/executor"
	"github.com/cuemby/devloop/internal/fetch"
	"github.com/cuemby/devloop/internal/tasks"
)

// Step is one lowered command task: its execution context plus enough
// executor-selection metadata for the runner to resolve an executor.Executor
// from an executor.Repository.
type Step struct {
	Context          executor.TaskContext
	CustomExecutorID string
	CustomExecutor   *config.ExecutorConf
	Needs            []config.NeedsRequirement
}

// WorkUnit is an ordered, worker-atomic run of one or more Steps: a plain
// command lowers to a single-Step WorkUnit, a pipeline to a multi-Step one.
// Steps within a WorkUnit always run sequentially on the same worker and
// stop at the first nonzero exit code.
type WorkUnit struct {
	// RootTask names the task this unit was lowered from, for reporting.
	RootTask string
	Steps    []Step
}

// Builder lowers tasks against one fixed graph, fetcher, and working
// directory; HelperSourceLine is computed once per invocation by the caller
// (see internal/entrypoint.BuildHelpersSourceString) and threaded into
// every step's executor.TaskContext.
type Builder struct {
	Graph            *tasks.Graph
	Fetcher          *fetch.Repository
	WorkDir          string
	HelperSourceLine string
}

// NewPipelineID returns a fresh identifier to namespace one pipeline's
// Docker network and host temp directory.
func NewPipelineID() string {
	return uuid.NewString()
}

// Lower resolves taskName into one or more top-level WorkUnits. Most task
// types lower to exactly one; a parallel-pipeline lowers to one WorkUnit per
// step so the runner can schedule them independently.
func (b Builder) Lower(ctx context.Context, taskName string, args []string, pipelineID string) ([]WorkUnit, error) {
	t, ok := b.Graph.Lookup(taskName)
	if !ok {
		return nil, notFoundErr(taskName, b.Graph.Names())
	}

	if t.GetType() == config.TaskTypeParallelPipeline {
		units := make([]WorkUnit, 0, len(t.Steps))
		for _, step := range t.Steps {
			// Each step of a parallel-pipeline gets its own fresh pipeline
			// id, since the steps may run concurrently and must not share
			// Docker networks or host scratch directories.
			steps, err := b.lowerToSteps(ctx, step.Task, step.Args, NewPipelineID())
			if err != nil {
				return nil, fmt.Errorf("lowering parallel-pipeline step %q of task %q: %w", step.Name, taskName, err)
			}
			units = append(units, WorkUnit{RootTask: step.Task, Steps: steps})
		}
		return units, nil
	}

	steps, err := b.lowerToSteps(ctx, taskName, args, pipelineID)
	if err != nil {
		return nil, err
	}
	return []WorkUnit{{RootTask: taskName, Steps: steps}}, nil
}

// lowerToSteps recursively flattens a task reference into an ordered list
// of command Steps, regardless of how many oneof/pipeline layers sit on top
// of the eventual command tasks. A nested parallel-pipeline, reached as a
// step of an enclosing sequential pipeline, is flattened sequentially too:
// parallelism only applies at the point a task is directly requested.
func (b Builder) lowerToSteps(ctx context.Context, taskName string, args []string, pipelineID string) ([]Step, error) {
	t, ok := b.Graph.Lookup(taskName)
	if !ok {
		return nil, notFoundErr(taskName, b.Graph.Names())
	}

	switch t.GetType() {
	case config.TaskTypeCommand:
		step, err := b.buildCommandStep(ctx, t, args, pipelineID)
		if err != nil {
			return nil, err
		}
		return []Step{step}, nil

	case config.TaskTypeOneof:
		if len(t.Options) == 0 {
			return nil, nil
		}
		if len(args) == 0 {
			names := optionNames(t.Options)
			return nil, fmt.Errorf("task %q is a oneof and requires one of its options as the first argument: %s", taskName, strings.Join(names, ", "))
		}
		selected, rest := args[0], args[1:]
		opt, ok := findOption(t.Options, selected)
		if !ok {
			names := optionNames(t.Options)
			msg := fmt.Sprintf("task %q has no option %q", taskName, selected)
			if suggestions := didyoumean.Suggest(selected, names, 3); len(suggestions) > 0 {
				msg += fmt.Sprintf(" (did you mean: %s?)", strings.Join(suggestions, ", "))
			}
			return nil, fmt.Errorf("%s", msg)
		}
		combinedArgs := append(append([]string{}, opt.Args...), rest...)
		return b.lowerToSteps(ctx, opt.Task, combinedArgs, pipelineID)

	case config.TaskTypePipeline:
		// A sequential pipeline mints its own pipeline id, shared by every
		// one of its flattened steps, regardless of the id the caller was
		// working with (the steps share Docker network/scratch-dir scope
		// with each other, not with whatever invoked this pipeline).
		pipelineScope := NewPipelineID()
		var all []Step
		for _, step := range t.Steps {
			sub, err := b.lowerToSteps(ctx, step.Task, step.Args, pipelineScope)
			if err != nil {
				return nil, fmt.Errorf("lowering step %q of task %q: %w", step.Name, taskName, err)
			}
			all = append(all, sub...)
		}
		return all, nil

	case config.TaskTypeParallelPipeline:
		// Reached as a nested step (not as the directly requested task,
		// which Lower handles above): still flattened sequentially into the
		// enclosing pipeline, but each step keeps its own fresh scope.
		var all []Step
		for _, step := range t.Steps {
			sub, err := b.lowerToSteps(ctx, step.Task, step.Args, NewPipelineID())
			if err != nil {
				return nil, fmt.Errorf("lowering step %q of task %q: %w", step.Name, taskName, err)
			}
			all = append(all, sub...)
		}
		return all, nil

	default:
		return nil, fmt.Errorf("task %q has unknown type %q", taskName, t.GetType())
	}
}

func (b Builder) buildCommandStep(ctx context.Context, t config.TaskConf, args []string, pipelineID string) (Step, error) {
	if t.Location == nil {
		return Step{}, fmt.Errorf("command task %q declares no location to fetch its script from", t.Name)
	}

	// Relative script paths resolve against the directory of the
	// dl-tasks.yml that declared the task, not the project root.
	rootDir := b.Fetcher.ProjectRoot()
	if t.SourcePath != "" && t.Location.Type == config.LocationTypePath {
		rootDir = filepath.Dir(t.SourcePath)
	}

	items, err := b.Fetcher.FetchWithRootAndFilter(ctx, *t.Location, rootDir, "")
	if err != nil {
		return Step{}, fmt.Errorf("fetching script for task %q: %w", t.Name, err)
	}
	if len(items) == 0 {
		return Step{}, fmt.Errorf("location for task %q resolved to no files", t.Name)
	}
	if len(items) > 1 {
		return Step{}, fmt.Errorf("location for task %q resolved to %d files; a command task's script must be a single file", t.Name, len(items))
	}

	var customID string
	if t.CustomExecutor != nil {
		customID = executor.HashID(*t.CustomExecutor)
	}

	return Step{
		Context: executor.TaskContext{
			TaskName:         t.Name,
			Args:             args,
			PipelineID:       pipelineID,
			CtrlcIsFailure:   t.CtrlcIsFailure(),
			ScriptContents:   items[0].Contents(),
			WorkDir:          b.WorkDir,
			HelperSourceLine: b.HelperSourceLine,
		},
		CustomExecutorID: customID,
		CustomExecutor:   t.CustomExecutor,
		Needs:            t.ExecutionNeeds,
	}, nil
}

// LowerByTags is the concurrent list builder behind `run <preset>`: for
// every non-internal task whose tags intersect the requested set, lower it
// into its own independent WorkUnit. A oneof task with no matching tag of
// its own, but one or more matching options, contributes one WorkUnit per
// matching option instead of the whole oneof.
func (b Builder) LowerByTags(ctx context.Context, tagSet []string) ([]WorkUnit, error) {
	wanted := make(map[string]struct{}, len(tagSet))
	for _, t := range tagSet {
		wanted[t] = struct{}{}
	}

	var units []WorkUnit
	for name, t := range b.Graph.AllTasks() {
		if t.IsInternal() {
			continue
		}

		if intersects(t.Tags, wanted) {
			steps, err := b.lowerToSteps(ctx, name, nil, NewPipelineID())
			if err != nil {
				return nil, fmt.Errorf("lowering tagged task %q: %w", name, err)
			}
			units = append(units, WorkUnit{RootTask: name, Steps: steps})
			continue
		}

		if t.GetType() == config.TaskTypeOneof {
			for _, opt := range t.Options {
				if !intersects(opt.Tags, wanted) {
					continue
				}
				steps, err := b.lowerToSteps(ctx, opt.Task, opt.Args, NewPipelineID())
				if err != nil {
					return nil, fmt.Errorf("lowering tagged option %q of task %q: %w", opt.Name, name, err)
				}
				units = append(units, WorkUnit{RootTask: name + " " + opt.Name, Steps: steps})
			}
		}
	}
	return units, nil
}

func intersects(tags []string, wanted map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := wanted[t]; ok {
			return true
		}
	}
	return false
}

func findOption(options []config.OneofOption, name string) (config.OneofOption, bool) {
	for _, o := range options {
		if o.Name == name {
			return o, true
		}
	}
	return config.OneofOption{}, false
}

func optionNames(options []config.OneofOption) []string {
	out := make([]string, len(options))
	for i, o := range options {
		out[i] = o.Name
	}
	return out
}

func notFoundErr(name string, known []string) error {
	msg := fmt.Sprintf("no task named %q", name)
	if suggestions := didyoumean.Suggest(name, known, 3); len(suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean: %s?)", strings.Join(suggestions, ", "))
	}
	return fmt.Errorf("%s", msg)
}
