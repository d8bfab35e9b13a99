package dockerapi

import (
	"context"
	"fmt"
)

// EnsureHostUser creates a user/group inside a running container matching
// the host uid/gid, so files the task writes under the shared bind mount
// come back owned by the invoking host user instead of root. Idempotent:
// groupadd/useradd failures from an already-existing id are tolerated.
//
// Callers must hold PermissionHelperMu: useradd inside a freshly started
// container races with the container's own init scripts often enough in
// practice to need serializing across concurrent Docker-executed tasks.
func (c *Client) EnsureHostUser(ctx context.Context, containerID string, uid, gid int, username string) error {
	script := fmt.Sprintf(
		"getent group %d >/dev/null 2>&1 || groupadd -g %d %s; "+
			"getent passwd %d >/dev/null 2>&1 || useradd -u %d -g %d -M -s /bin/sh %s",
		gid, gid, username, uid, uid, gid, username,
	)

	execID, err := c.CreateExec(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/sh", "-c", script},
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("creating permissions-helper exec in %s: %w", containerID, err)
	}

	if err := c.StartExecDetached(ctx, execID); err != nil {
		return fmt.Errorf("starting permissions-helper exec in %s: %w", containerID, err)
	}

	exitCode, err := c.WaitExec(ctx, execID, nil)
	if err != nil {
		return fmt.Errorf("waiting for permissions-helper exec in %s: %w", containerID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("permissions-helper exec in %s exited %d", containerID, exitCode)
	}
	return nil
}
