package executor

import (
	"context"
	"testing"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/indicator"
)

type fakeExecutor struct {
	id       string
	provides []config.ProvideConf
}

func (f *fakeExecutor) ID() string { return f.id }
func (f *fakeExecutor) MeetsRequirements(needs []config.NeedsRequirement) bool {
	for _, n := range needs {
		if !MatchesProvides(f.provides, n) {
			return false
		}
	}
	return true
}
func (f *fakeExecutor) Execute(ctx context.Context, tc TaskContext, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, error) {
	return 0, nil
}
func (f *fakeExecutor) Clean(ctx context.Context) error { return nil }

func TestHashIDStableAcrossCalls(t *testing.T) {
	conf := config.ExecutorConf{Type: config.ExecutorTypeDocker, Params: map[string]string{"image": "node:18"}}
	a := HashID(conf)
	b := HashID(conf)
	if a != b {
		t.Fatalf("expected stable hash, got %q and %q", a, b)
	}
}

func TestHashIDOrderIndependentOverParams(t *testing.T) {
	c1 := config.ExecutorConf{Type: config.ExecutorTypeDocker, Params: map[string]string{"image": "node:18", "tag": "x"}}
	c2 := config.ExecutorConf{Type: config.ExecutorTypeDocker, Params: map[string]string{"tag": "x", "image": "node:18"}}
	if HashID(c1) != HashID(c2) {
		t.Fatalf("expected map iteration order not to affect the hash")
	}
}

func TestHashIDDiffersOnDifferentParams(t *testing.T) {
	c1 := config.ExecutorConf{Type: config.ExecutorTypeDocker, Params: map[string]string{"image": "node:18"}}
	c2 := config.ExecutorConf{Type: config.ExecutorTypeDocker, Params: map[string]string{"image": "node:20"}}
	if HashID(c1) == HashID(c2) {
		t.Fatalf("expected different params to hash differently")
	}
}

func TestWorkerTag(t *testing.T) {
	if got := WorkerTag(2, "build"); got != "2-build" {
		t.Fatalf("expected 2-build, got %q", got)
	}
}

func versionMatcher(s string) *string { return &s }

func TestMatchesProvidesNoVersionConstraint(t *testing.T) {
	provides := []config.ProvideConf{{Name: "node"}}
	need := config.NeedsRequirement{Name: "node"}
	if !MatchesProvides(provides, need) {
		t.Fatal("expected a name-only match to succeed")
	}
}

func TestMatchesProvidesSemverRange(t *testing.T) {
	v := "18.4.0"
	provides := []config.ProvideConf{{Name: "node", Version: &v}}
	need := config.NeedsRequirement{Name: "node", VersionMatcher: versionMatcher("^18.0.0")}
	if !MatchesProvides(provides, need) {
		t.Fatal("expected 18.4.0 to satisfy ^18.0.0")
	}
	need2 := config.NeedsRequirement{Name: "node", VersionMatcher: versionMatcher("^20.0.0")}
	if MatchesProvides(provides, need2) {
		t.Fatal("expected 18.4.0 not to satisfy ^20.0.0")
	}
}

func TestMatchesProvidesNoMatchingName(t *testing.T) {
	provides := []config.ProvideConf{{Name: "go"}}
	need := config.NeedsRequirement{Name: "node"}
	if MatchesProvides(provides, need) {
		t.Fatal("expected no match for an unrelated name")
	}
}

func TestRepositoryResolveCustomExecutorPrecedence(t *testing.T) {
	repo := NewRepository()
	custom := &fakeExecutor{id: "custom1"}
	repo.Register(custom)
	repo.SetDefault(&fakeExecutor{id: "default1"})

	got, err := repo.Resolve("custom1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "custom1" {
		t.Fatalf("expected custom1, got %s", got.ID())
	}
}

func TestRepositoryResolveByNeeds(t *testing.T) {
	repo := NewRepository()
	repo.Register(&fakeExecutor{id: "no-node"})
	repo.Register(&fakeExecutor{id: "has-node", provides: []config.ProvideConf{{Name: "node"}}})
	repo.SetDefault(&fakeExecutor{id: "default1"})

	got, err := repo.Resolve("", []config.NeedsRequirement{{Name: "node"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "has-node" {
		t.Fatalf("expected has-node, got %s", got.ID())
	}
}

func TestRepositoryResolveFallsBackToDefault(t *testing.T) {
	repo := NewRepository()
	repo.SetDefault(&fakeExecutor{id: "default1"})

	got, err := repo.Resolve("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "default1" {
		t.Fatalf("expected default1, got %s", got.ID())
	}
}

func TestRepositoryResolveErrorsWithNoMatchAndNoDefault(t *testing.T) {
	repo := NewRepository()
	_, err := repo.Resolve("", nil)
	if err == nil {
		t.Fatal("expected an error when nothing can resolve the task")
	}
}

func TestRepositoryResolvePrefersAlreadyActiveExecutor(t *testing.T) {
	repo := NewRepository()
	repo.Register(&fakeExecutor{id: "cold", provides: []config.ProvideConf{{Name: "node"}}})
	repo.Register(&fakeExecutor{id: "warm", provides: []config.ProvideConf{{Name: "node"}}})

	release := repo.Acquire("warm")
	release()

	got, err := repo.Resolve("", []config.NeedsRequirement{{Name: "node"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "warm" {
		t.Fatalf("expected the executor that already ran a task to win, got %s", got.ID())
	}
}

func TestRepositoryRegisterSameIDTwiceKeepsFirst(t *testing.T) {
	repo := NewRepository()
	first := &fakeExecutor{id: "x"}
	repo.Register(first)
	repo.Register(&fakeExecutor{id: "x"})

	if len(repo.All()) != 1 {
		t.Fatalf("expected one registered executor, got %d", len(repo.All()))
	}
	got, err := repo.Resolve("x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != Executor(first) {
		t.Fatal("expected the first registration to win")
	}
}

func TestNewCustomHostCarriesGivenID(t *testing.T) {
	h := NewCustomHost("abc123", config.ExecutorConf{Type: config.ExecutorTypeHost}, t.TempDir())
	if h.ID() != "abc123" {
		t.Fatalf("expected id abc123, got %s", h.ID())
	}
}

func TestRepositoryAcquireTracksActiveCount(t *testing.T) {
	repo := NewRepository()
	release := repo.Acquire("host")
	if repo.ActiveCount("host") != 1 {
		t.Fatalf("expected active count 1, got %d", repo.ActiveCount("host"))
	}
	release()
	if repo.ActiveCount("host") != 0 {
		t.Fatalf("expected active count 0 after release, got %d", repo.ActiveCount("host"))
	}
}

func TestRepositoryAllIncludesDefaultOnce(t *testing.T) {
	repo := NewRepository()
	def := &fakeExecutor{id: "default1"}
	repo.Register(def)
	repo.SetDefault(def)

	all := repo.All()
	if len(all) != 1 {
		t.Fatalf("expected the default registered executor to appear once, got %d", len(all))
	}
}
