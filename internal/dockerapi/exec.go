package dockerapi

import (
	"context"
	"fmt"
	"time"
)

// execPollInterval is how often WaitExec polls /exec/{id}/json for
// completion; the Engine has no blocking "wait for exec" endpoint.
const execPollInterval = 10 * time.Millisecond

// ExecSpec describes one `docker exec`-equivalent invocation.
type ExecSpec struct {
	Cmd          []string `json:"Cmd"`
	Env          []string `json:"Env,omitempty"`
	User         string   `json:"User,omitempty"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
}

type execCreateResponse struct {
	ID string `json:"Id"`
}

// CreateExec registers a new exec instance against a running container.
func (c *Client) CreateExec(ctx context.Context, containerID string, spec ExecSpec) (string, error) {
	var resp execCreateResponse
	path := fmt.Sprintf("/containers/%s/exec", containerID)
	if err := c.postWithDeadline(ctx, path, spec, &resp, defaultDeadline, "creating exec in "+containerID); err != nil {
		return "", fmt.Errorf("creating exec in container %s: %w", containerID, err)
	}
	return resp.ID, nil
}

// StartExecDetached starts a previously created exec instance without
// attaching to its output stream; callers that need output route it
// through redirected log-proxy files instead (see internal/entrypoint).
func (c *Client) StartExecDetached(ctx context.Context, execID string) error {
	body := struct {
		Detach bool `json:"Detach"`
		Tty    bool `json:"Tty"`
	}{Detach: true}
	path := fmt.Sprintf("/exec/%s/start", execID)
	if err := c.postWithDeadline(ctx, path, body, nil, defaultDeadline, "starting exec "+execID); err != nil {
		return fmt.Errorf("starting exec %s: %w", execID, err)
	}
	return nil
}

// ExecInspection is the subset of /exec/{id}/json used to detect
// completion and exit code.
type ExecInspection struct {
	Running  bool `json:"Running"`
	ExitCode int  `json:"ExitCode"`
	Pid      int  `json:"Pid"`
}

// InspectExec returns the current state of an exec instance.
func (c *Client) InspectExec(ctx context.Context, execID string) (ExecInspection, error) {
	var resp ExecInspection
	if err := c.get(ctx, fmt.Sprintf("/exec/%s/json", execID), &resp); err != nil {
		return ExecInspection{}, fmt.Errorf("inspecting exec %s: %w", execID, err)
	}
	return resp, nil
}

// WaitExec polls the exec instance until it finishes or ctx is cancelled,
// checking cancelled between polls so a cooperative stop request is
// observed promptly rather than only at process exit. The callback
// receives the latest inspection so a caller acting on cancellation can
// target the exec's own in-container PID.
func (c *Client) WaitExec(ctx context.Context, execID string, cancelled func(ExecInspection) bool) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		insp, err := c.InspectExec(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		if cancelled != nil && cancelled(insp) {
			return insp.ExitCode, errExecCancelled
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

var errExecCancelled = fmt.Errorf("exec cancelled")

// ErrExecCancelled reports whether err is the sentinel WaitExec returns
// when the supplied cancelled callback flipped true mid-poll.
func ErrExecCancelled(err error) bool {
	return err == errExecCancelled
}
