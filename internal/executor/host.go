package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/dlog"
	"github.com/cuemby/devloop/internal/entrypoint"
	"github.com/cuemby/devloop/internal/indicator"
)

// CancelExitCode is reported for a task whose TaskContext.CtrlcIsFailure
// is true and which was stopped by cooperative cancellation.
const CancelExitCode = 10

const cancelPollInterval = 10 * time.Millisecond

// Host executes tasks as plain child processes of the devloop process
// itself, the simplest of the two executor backends.
type Host struct {
	id       string
	tmpRoot  string
	provides []config.ProvideConf

	mu        sync.Mutex
	sharedFor map[string]string // pipeline id -> created shared dir, for Clean
}

// HostExecutorID is the fixed, well-known id of the (exactly one) host
// executor in any repository, distinct from any Docker executor's hashed id.
const HostExecutorID = "host"

// NewHost builds a Host executor from its configuration.
func NewHost(conf config.ExecutorConf, tmpRoot string) *Host {
	return &Host{
		id:        HostExecutorID,
		tmpRoot:   tmpRoot,
		provides:  conf.Provides,
		sharedFor: make(map[string]string),
	}
}

// NewCustomHost builds a Host executor for a task's inline custom_executor
// config, registered under the config's hash id rather than the shared
// well-known host id.
func NewCustomHost(id string, conf config.ExecutorConf, tmpRoot string) *Host {
	h := NewHost(conf, tmpRoot)
	h.id = id
	return h
}

func (h *Host) ID() string { return h.id }

func (h *Host) MeetsRequirements(needs []config.NeedsRequirement) bool {
	for _, n := range needs {
		if !MatchesProvides(h.provides, n) {
			return false
		}
	}
	return true
}

// Execute writes the task's script and entrypoint wrapper into the
// pipeline's shared host directory, then runs it as a child process,
// streaming raw output chunks onto logCh and honoring cancellation by
// polling cancelled every cancelPollInterval and hard-killing the process
// the first time it flips.
func (h *Host) Execute(ctx context.Context, tc TaskContext, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, error) {
	sharedDir, err := entrypoint.CreateSharedDir(h.tmpRoot, tc.PipelineID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.sharedFor[tc.PipelineID] = sharedDir
	h.mu.Unlock()

	written, err := entrypoint.CreateEntrypoint(entrypoint.Params{
		WorkDir:          tc.WorkDir,
		HelperSourceLine: tc.HelperSourceLine,
		TaskName:         tc.TaskName,
		ScriptContents:   tc.ScriptContents,
		Args:             tc.Args,
		ScriptDir:        sharedDir,
	})
	if err != nil {
		return 0, err
	}

	workerTag := WorkerTag(workerIndex, tc.TaskName)

	changeCh <- indicator.TaskChange{Kind: indicator.Started, Tag: workerTag}
	defer func() {
		changeCh <- indicator.TaskChange{Kind: indicator.Finished, Tag: workerTag}
	}()

	cmd, stdout, stderr, err := startWithETXTBSYRetry(ctx, written.EntrypointPath, tc.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("starting task %s: %w", tc.TaskName, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(&wg, stdout, workerTag, false, logCh)
	go streamPipe(&wg, stderr, workerTag, true, logCh)

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	cancelSent := false
	for {
		select {
		case waitErr := <-waitDone:
			if cancelSent {
				if tc.CtrlcIsFailure {
					return CancelExitCode, nil
				}
				return 0, nil
			}
			return exitCodeOf(waitErr), nil
		case <-ticker.C:
			if !cancelSent && cancelled.IsSet() {
				cancelSent = true
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		}
	}
}

// startWithETXTBSYRetry spawns the entrypoint, retrying if the kernel
// reports the freshly written script as busy (ETXTBSY: the write that
// produced it hasn't fully released its mapping yet, which happens when
// another worker forked while our file descriptor was open).
func startWithETXTBSYRetry(ctx context.Context, entrypointPath, workDir string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	for {
		cmd := exec.CommandContext(ctx, "/usr/bin/env", "bash", entrypointPath)
		cmd.Dir = workDir
		cmd.Stdin = nil

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, err
		}

		if err := cmd.Start(); err != nil {
			if errors.Is(err, syscall.ETXTBSY) && ctx.Err() == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return nil, nil, nil, err
		}
		return cmd, stdout, stderr, nil
	}
}

func streamPipe(wg *sync.WaitGroup, r io.Reader, tag string, isStderr bool, logCh chan<- indicator.LogEvent) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			logCh <- indicator.LogEvent{Tag: tag, Chunk: string(buf[:n]), IsStderr: isStderr}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				dlog.WithComponent("executor.host").Warn().Err(err).Str("task", tag).Msg("error reading task output")
			}
			return
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	// Killed by a signal or otherwise unreportable.
	return 10
}

// Clean removes every shared directory this executor created.
func (h *Host) Clean(ctx context.Context) error {
	h.mu.Lock()
	dirs := make([]string, 0, len(h.sharedFor))
	for _, d := range h.sharedFor {
		dirs = append(dirs, d)
	}
	h.sharedFor = make(map[string]string)
	h.mu.Unlock()

	var errs []string
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleaning host executor dirs: %s", strings.Join(errs, "; "))
	}
	return nil
}
