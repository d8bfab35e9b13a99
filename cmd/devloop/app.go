package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/dockerapi"
	"github.com/cuemby/devloop/internal/entrypoint"
	"github.com/cuemby/devloop/internal/executor"
	"github.com/cuemby/devloop/internal/fetch"
	"github.com/cuemby/devloop/internal/metrics"
	"github.com/cuemby/devloop/internal/plan"
	"github.com/cuemby/devloop/internal/tasks"
)

// exitError carries the process exit code a RunE handler wants, so business
// logic never calls os.Exit itself and stays unit-testable.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...interface{}) error {
	return &exitError{code: 10, err: fmt.Errorf(format, args...)}
}

func failureError(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app bundles the pieces every subcommand needs, built once per invocation.
type app struct {
	projectRoot  string
	tlc          config.TopLevelConf
	fetcher      *fetch.Repository
	graph        *tasks.Graph
	executors    *executor.Repository
	dockerClient *dockerapi.Client
	metrics      *metrics.Registry
	workers      int
	tmpRoot      string
}

// buildApp loads configuration and the task graph. requireConfig controls
// whether a missing .dl/config.yml is fatal (exec/run) or tolerated
// (list/clean). extraTaskPaths are searched for dl-tasks.yml on top of the
// configured task_locations (the `list [path...]` form).
func buildApp(ctx context.Context, requireConfig bool, extraTaskPaths ...string) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, failureError(10, fmt.Errorf("resolving working directory: %w", err))
	}

	loaded, err := config.Load(cwd)
	if err != nil {
		return nil, failureError(10, err)
	}
	if requireConfig && !loaded.Found {
		return nil, usageError("no .dl/config.yml found starting from %s", cwd)
	}

	if err := config.EnsureDirectories(loaded.ProjectRoot, loaded.Config.EnsureDirectories); err != nil {
		return nil, failureError(10, err)
	}

	fetcher := fetch.NewRepository(loaded.ProjectRoot)

	recurse := true
	for _, p := range extraTaskPaths {
		loaded.Config.TaskLocations = append(loaded.Config.TaskLocations, config.LocationConf{
			Type:    config.LocationTypePath,
			At:      p,
			Recurse: &recurse,
		})
	}

	graph, err := tasks.Build(ctx, loaded.Config, fetcher)
	if err != nil {
		return nil, failureError(10, err)
	}

	tmpRoot := config.TmpDir()
	reg := metrics.NewRegistry()

	// One engine client per invocation; constructing it is free (nothing
	// touches the socket until the first call), and creating it up front
	// lets every Engine round trip feed the API-call counter.
	dockerClient := dockerapi.NewClient("")
	dockerClient.OnAPICall = reg.ObserveDockerAPICall

	execRepo, err := buildExecutorRepository(ctx, loaded.Config, fetcher, tmpRoot, loaded.ProjectRoot, dockerClient)
	if err != nil {
		return nil, failureError(10, err)
	}
	execRepo.SetActivityGauge(reg.ActiveWorkers)

	return &app{
		projectRoot:  loaded.ProjectRoot,
		tlc:          loaded.Config,
		fetcher:      fetcher,
		graph:        graph,
		executors:    execRepo,
		dockerClient: dockerClient,
		metrics:      reg,
		workers:      workerCount(),
		tmpRoot:      tmpRoot,
	}, nil
}

func workerCount() int {
	if flagWorkerCnt > 0 {
		return flagWorkerCnt
	}
	if v := os.Getenv("DL_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// buildExecutorRepository always registers exactly one host executor, plus
// one Docker executor per dl-executors.yml entry of type docker, and wires
// up the project's default_executor.
func buildExecutorRepository(ctx context.Context, tlc config.TopLevelConf, fetcher *fetch.Repository, tmpRoot, projectRoot string, dockerClient *dockerapi.Client) (*executor.Repository, error) {
	repo := executor.NewRepository()

	host := executor.NewHost(config.ExecutorConf{Type: config.ExecutorTypeHost}, tmpRoot)
	repo.Register(host)

	confs, err := loadExecutorConfs(ctx, tlc, fetcher)
	if err != nil {
		return nil, err
	}

	for _, conf := range confs {
		if conf.Type != config.ExecutorTypeDocker {
			continue
		}
		d, err := executor.NewDocker(conf, dockerClient, projectRoot, tmpRoot)
		if err != nil {
			return nil, fmt.Errorf("building docker executor: %w", err)
		}
		repo.Register(d)
	}

	if tlc.DefaultExecutor != nil {
		switch tlc.DefaultExecutor.Type {
		case config.ExecutorTypeHost:
			repo.SetDefault(host)
		case config.ExecutorTypeDocker:
			d, err := executor.NewDocker(*tlc.DefaultExecutor, dockerClient, projectRoot, tmpRoot)
			if err != nil {
				return nil, fmt.Errorf("building default docker executor: %w", err)
			}
			repo.Register(d)
			repo.SetDefault(d)
		}
	}

	return repo, nil
}

// registerCustomExecutors instantiates every task-level custom_executor a
// plan references that the repository doesn't already hold.
func (a *app) registerCustomExecutors(units []plan.WorkUnit) error {
	for _, u := range units {
		for _, s := range u.Steps {
			if s.CustomExecutor == nil || a.executors.Registered(s.CustomExecutorID) {
				continue
			}
			switch s.CustomExecutor.Type {
			case config.ExecutorTypeHost:
				a.executors.Register(executor.NewCustomHost(s.CustomExecutorID, *s.CustomExecutor, a.tmpRoot))
			case config.ExecutorTypeDocker:
				d, err := executor.NewDocker(*s.CustomExecutor, a.dockerClient, a.projectRoot, a.tmpRoot)
				if err != nil {
					return fmt.Errorf("building custom executor for task %s: %w", s.Context.TaskName, err)
				}
				a.executors.Register(d)
			default:
				return fmt.Errorf("task %s: unknown custom executor type %q", s.Context.TaskName, s.CustomExecutor.Type)
			}
		}
	}
	return nil
}

func loadExecutorConfs(ctx context.Context, tlc config.TopLevelConf, fetcher *fetch.Repository) ([]config.ExecutorConf, error) {
	var out []config.ExecutorConf
	for _, loc := range tlc.ExecutorLocations {
		items, err := fetcher.FetchFilter(ctx, loc, "dl-executors.yml")
		if err != nil {
			return nil, fmt.Errorf("fetching executors from %s: %w", loc.At, err)
		}
		for _, item := range items {
			var file config.ExecutorConfFile
			if err := yaml.Unmarshal(item.Contents(), &file); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", item.Source(), err)
			}
			out = append(out, file.Executors...)
		}
	}
	return out, nil
}

// fetchHelperSourceLine fetches every helper-location script and builds the
// combined shell sourcing line shared by every task in one invocation.
func (a *app) fetchHelperSourceLine(ctx context.Context) (string, error) {
	var all []fetch.FetchedItem
	for _, loc := range a.tlc.HelperLocations {
		items, err := a.fetcher.FetchFilter(ctx, loc, ".sh")
		if err != nil {
			return "", fmt.Errorf("fetching helpers from %s: %w", loc.At, err)
		}
		all = append(all, items...)
	}
	if len(all) == 0 {
		return "", nil
	}
	return entrypoint.BuildHelpersSourceString(all, a.tmpRoot)
}
