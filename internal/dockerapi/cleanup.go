package dockerapi

import (
	"context"
	"fmt"
	"strings"
)

// CleanAll enumerates every container and network carrying this tool's
// dl- prefix, regardless of which process created them, and removes all of
// them: the `devloop clean` command's Docker-side sweep. A single
// container or network failing to delete is collected and reported but
// does not stop the rest of the sweep.
func (c *Client) CleanAll(ctx context.Context) error {
	var errs []string

	containers, err := c.ListDevloopContainers(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("listing containers: %v", err))
	}
	for _, ct := range containers {
		// Best-effort: AutoRemove/force=true on RemoveContainer already
		// kills a still-running container, so a failed Kill here doesn't
		// block the delete that follows.
		_ = c.KillContainer(ctx, ct.ID, "SIGKILL")
		if err := c.RemoveContainer(ctx, ct.ID); err != nil {
			errs = append(errs, fmt.Sprintf("removing container %s: %v", ct.ID, err))
		}
	}

	networks, err := c.ListDevloopNetworks(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("listing networks: %v", err))
	}
	for _, n := range networks {
		if err := c.RemoveNetwork(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Sprintf("removing network %s: %v", n.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("docker cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}
