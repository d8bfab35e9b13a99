// Package tasks builds and validates the flattened task graph: every task
// file under every configured task-location, folded into one
// name -> TaskConf map, with duplicate/orphan/unresolved-reference checks.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/didyoumean"
	"github.com/cuemby/devloop/internal/dlog"
	"github.com/cuemby/devloop/internal/fetch"
)

// Graph is the flattened, validated set of tasks available to this
// invocation.
type Graph struct {
	tasks map[string]config.TaskConf
}

// ErrGraph is wrapped by every fatal graph-construction error.
var ErrGraph = errors.New("task graph error")

// Build fetches every dl-tasks.yml under tlc's task_locations and folds them
// into a flattened, validated graph.
//
// If any HTTP task-location fails to fetch or parse, validation of
// references/orphans is downgraded from fatal errors to warnings (the
// "tolerant" mode), so a fully local task can still be run offline.
// Filesystem fetch failures are always fatal.
func Build(ctx context.Context, tlc config.TopLevelConf, fetcher *fetch.Repository) (*Graph, error) {
	flattened := make(map[string]config.TaskConf)
	unsatisfied := make(map[string]struct{})
	internalPending := make(map[string]struct{})
	tolerant := false

	for _, loc := range tlc.TaskLocations {
		items, err := fetcher.FetchFilter(ctx, loc, "dl-tasks.yml")
		if err != nil {
			if loc.Type == config.LocationTypeHTTP {
				dlogWarnFetchFailure(loc, err)
				tolerant = true
				continue
			}
			return nil, fmt.Errorf("%w: fetching tasks from %s: %v", ErrGraph, loc.At, err)
		}

		for _, item := range items {
			var file config.TaskConfFile
			if err := yaml.Unmarshal(item.Contents(), &file); err != nil {
				if loc.Type == config.LocationTypeHTTP {
					dlogWarnFetchFailure(loc, err)
					tolerant = true
					continue
				}
				return nil, fmt.Errorf("%w: parsing %s: %v", ErrGraph, item.Source(), err)
			}

			for i := range file.Tasks {
				t := file.Tasks[i]
				t.SourcePath = item.Source()
				name := t.Name

				if _, exists := flattened[name]; exists {
					return nil, fmt.Errorf("%w: duplicate task %q defined in %s and %s",
						ErrGraph, name, flattened[name].SourcePath, t.SourcePath)
				}

				switch t.GetType() {
				case config.TaskTypeCommand:
				case config.TaskTypeOneof:
					for _, opt := range t.Options {
						delete(internalPending, opt.Task)
						if _, ok := flattened[opt.Task]; !ok {
							unsatisfied[opt.Task] = struct{}{}
						}
					}
				case config.TaskTypePipeline, config.TaskTypeParallelPipeline:
					for _, step := range t.Steps {
						delete(internalPending, step.Task)
						if _, ok := flattened[step.Task]; !ok {
							unsatisfied[step.Task] = struct{}{}
						}
					}
				default:
					return nil, fmt.Errorf("%w: task %q in %s has unknown type %q",
						ErrGraph, name, t.SourcePath, t.GetType())
				}

				if t.IsInternal() {
					if _, satisfied := unsatisfied[name]; !satisfied {
						internalPending[name] = struct{}{}
					}
				}
				delete(unsatisfied, name)

				flattened[name] = t
			}
		}
	}

	if !tolerant {
		if len(unsatisfied) > 0 {
			names := make([]string, 0, len(flattened))
			for n := range flattened {
				names = append(names, n)
			}
			return nil, fmt.Errorf("%w: %s", ErrGraph, unresolvedMessage(unsatisfied, names))
		}
		if len(internalPending) > 0 {
			return nil, fmt.Errorf("%w: tasks marked internal but never referenced: %s",
				ErrGraph, strings.Join(sortedKeys(internalPending), ", "))
		}
	} else if len(unsatisfied) > 0 || len(internalPending) > 0 {
		dlog.WithComponent("tasks.graph").Warn().
			Strs("unresolved", sortedKeys(unsatisfied)).
			Strs("unreferenced_internal", sortedKeys(internalPending)).
			Msg("task graph validation failed; continuing because an HTTP task location could not be loaded")
	}

	return &Graph{tasks: flattened}, nil
}

func unresolvedMessage(unsatisfied map[string]struct{}, knownNames []string) string {
	var b strings.Builder
	b.WriteString("tasks referenced that do not exist: ")
	keys := sortedKeys(unsatisfied)
	for i, name := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		if suggestions := didyoumean.Suggest(name, knownNames, 3); len(suggestions) > 0 {
			fmt.Fprintf(&b, " (did you mean: %s?)", strings.Join(suggestions, ", "))
		}
	}
	return b.String()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dlogWarnFetchFailure(loc config.LocationConf, err error) {
	dlog.WithComponent("tasks.graph").Warn().Err(err).Str("location", loc.At).
		Msg("failed to fetch or parse an HTTP task location; continuing without DAG validation in case this task is fully local")
}

// AllTasks returns the full flattened name -> TaskConf map.
func (g *Graph) AllTasks() map[string]config.TaskConf {
	return g.tasks
}

// Lookup returns a single task by name.
func (g *Graph) Lookup(name string) (config.TaskConf, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Names returns every task name in the graph, used to build did-you-mean
// suggestions for callers outside this package (e.g. the work-plan builder).
func (g *Graph) Names() []string {
	out := make([]string, 0, len(g.tasks))
	for n := range g.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
