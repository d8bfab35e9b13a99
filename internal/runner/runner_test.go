package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/executor"
	"github.com/cuemby/devloop/internal/indicator"
	"github.com/cuemby/devloop/internal/plan"
)

type scriptedExecutor struct {
	id       string
	mu       sync.Mutex
	byTask   map[string]int
	executed []string
}

func (e *scriptedExecutor) ID() string                                               { return e.id }
func (e *scriptedExecutor) MeetsRequirements(needs []config.NeedsRequirement) bool    { return true }
func (e *scriptedExecutor) Clean(ctx context.Context) error                          { return nil }
func (e *scriptedExecutor) Execute(ctx context.Context, tc executor.TaskContext, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, error) {
	e.mu.Lock()
	e.executed = append(e.executed, tc.TaskName)
	e.mu.Unlock()
	return e.byTask[tc.TaskName], nil
}

func repoWithDefault(e executor.Executor) *executor.Repository {
	repo := executor.NewRepository()
	repo.SetDefault(e)
	return repo
}

func unit(name string, steps ...string) plan.WorkUnit {
	s := make([]plan.Step, len(steps))
	for i, name := range steps {
		s[i] = plan.Step{Context: executor.TaskContext{TaskName: name}}
	}
	return plan.WorkUnit{RootTask: name, Steps: s}
}

func TestRunAggregatesFirstNonzeroExitCode(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 0, "b": 3}}
	repo := repoWithDefault(exec)

	units := []plan.WorkUnit{unit("u1", "a"), unit("u2", "b")}
	code, results, err := Run(context.Background(), units, repo, 2, cancel.New(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Fatalf("expected aggregated exit code 3, got %d", code)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestRunUnitStopsAtFirstNonzeroStep(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 1, "b": 0}}
	repo := repoWithDefault(exec)

	code, err := runUnit(context.Background(), unit("pipeline", "a", "b"), repo, 0, cancel.New(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "a" {
		t.Fatalf("expected only the first step to run, got %v", exec.executed)
	}
}

func TestRunUnitCancelledBeforeStepHonorsCtrlcIsFailure(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 0}}
	repo := repoWithDefault(exec)

	flag := cancel.New()
	flag.Set()

	u := plan.WorkUnit{RootTask: "u", Steps: []plan.Step{{Context: executor.TaskContext{TaskName: "a", CtrlcIsFailure: true}}}}
	code, err := runUnit(context.Background(), u, repo, 0, flag, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != executor.CancelExitCode {
		t.Fatalf("expected CancelExitCode, got %d", code)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("expected the step not to run once cancelled, got %v", exec.executed)
	}
}

func TestRunUnitCancelledWithoutCtrlcIsFailureExitsZero(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 0}}
	repo := repoWithDefault(exec)

	flag := cancel.New()
	flag.Set()

	u := plan.WorkUnit{RootTask: "u", Steps: []plan.Step{{Context: executor.TaskContext{TaskName: "a", CtrlcIsFailure: false}}}}
	code, err := runUnit(context.Background(), u, repo, 0, flag, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestRunSkipsUnstartedUnitsOnceCancelled(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 0}}
	repo := repoWithDefault(exec)

	flag := cancel.New()
	flag.Set()

	units := []plan.WorkUnit{unit("u1", "a"), unit("u2", "a")}
	_, results, err := Run(context.Background(), units, repo, 1, flag, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no units scheduled once cancelled before the run starts, got %d", len(results))
	}
}

func TestRunFailedUnitTripsCancelFlag(t *testing.T) {
	exec := &scriptedExecutor{id: "host", byTask: map[string]int{"a": 7}}
	repo := repoWithDefault(exec)

	flag := cancel.New()
	code, _, err := Run(context.Background(), []plan.WorkUnit{unit("u1", "a")}, repo, 1, flag, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
	if !flag.IsSet() {
		t.Fatal("expected a failed unit to set the cancellation flag")
	}
}

func TestClampExit(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 0, 200: 200, 256: 255}
	for in, want := range cases {
		if got := clampExit(in); got != want {
			t.Fatalf("clampExit(%d) = %d, want %d", in, got, want)
		}
	}
}
