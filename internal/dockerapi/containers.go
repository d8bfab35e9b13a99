package dockerapi

import (
	"context"
	"fmt"
	"net/url"
)

// ContainerNamePrefix namespaces every container this tool creates so
// ListDevloopContainers/clean can find them again without touching
// anything else running on the engine.
const ContainerNamePrefix = "dl-"

// ContainerCreateSpec is the subset of the Engine's container-create body
// this tool needs.
type ContainerCreateSpec struct {
	Image        string              `json:"Image"`
	Hostname     string              `json:"Hostname,omitempty"`
	User         string              `json:"User,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Tty          bool                `json:"Tty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	HostConfig   ContainerHostConf   `json:"HostConfig"`
}

// ContainerHostConf is the subset of HostConfig this tool sets.
type ContainerHostConf struct {
	Binds       []string `json:"Binds,omitempty"`
	NetworkMode string   `json:"NetworkMode,omitempty"`
	AutoRemove  bool     `json:"AutoRemove"`
	Privileged  bool     `json:"Privileged"`
}

type containerCreateResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

// ContainerSummary is the subset of /containers/json list entries used to
// find devloop-owned containers for cleanup.
type ContainerSummary struct {
	ID    string   `json:"Id"`
	Names []string `json:"Names"`
	State string   `json:"State"`
}

// CreateContainer creates (but does not start) a container named
// ContainerNamePrefix+name.
func (c *Client) CreateContainer(ctx context.Context, name string, spec ContainerCreateSpec) (string, error) {
	path := "/containers/create?" + url.Values{"name": {ContainerNamePrefix + name}}.Encode()
	var resp containerCreateResponse
	if err := c.postWithDeadline(ctx, path, spec, &resp, defaultDeadline, "creating container "+name); err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	path := fmt.Sprintf("/containers/%s/start", id)
	if err := c.postWithDeadline(ctx, path, nil, nil, defaultDeadline, "starting container "+id); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// KillContainer sends the given signal (e.g. "SIGKILL", "SIGTERM") to a
// running container; CleanAll uses it to stop devloop containers before
// removing them.
func (c *Client) KillContainer(ctx context.Context, id, signal string) error {
	path := fmt.Sprintf("/containers/%s/kill?%s", id, url.Values{"signal": {signal}}.Encode())
	if err := c.postWithDeadline(ctx, path, nil, nil, defaultDeadline, "killing container "+id); err != nil {
		if se, ok := err.(*StatusError); ok && se.Status == 409 {
			// Already stopped; not an error for cancellation purposes.
			return nil
		}
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	path := fmt.Sprintf("/containers/%s?%s", id, url.Values{"v": {"true"}, "force": {"true"}}.Encode())
	if err := c.deleteReq(ctx, path); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// ListDevloopContainers returns every container (running or not) whose name
// carries ContainerNamePrefix.
func (c *Client) ListDevloopContainers(ctx context.Context) ([]ContainerSummary, error) {
	path := "/containers/json?" + url.Values{"all": {"true"}}.Encode()
	var all []ContainerSummary
	if err := c.get(ctx, path, &all); err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var ours []ContainerSummary
	for _, ct := range all {
		for _, n := range ct.Names {
			if len(n) > 0 && n[0] == '/' {
				n = n[1:]
			}
			if hasPrefix(n, ContainerNamePrefix) {
				ours = append(ours, ct)
				break
			}
		}
	}
	return ours, nil
}

// ContainerTop returns the process-id column from /containers/{id}/top,
// used to confirm a cancelled task's exec PID is still alive before it is
// killed in-container, without touching the rest of the container.
func (c *Client) ContainerTop(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Titles    []string   `json:"Titles"`
		Processes [][]string `json:"Processes"`
	}
	if err := c.get(ctx, fmt.Sprintf("/containers/%s/top", id), &resp); err != nil {
		return nil, fmt.Errorf("listing processes in container %s: %w", id, err)
	}

	pidCol := -1
	for i, t := range resp.Titles {
		if t == "PID" {
			pidCol = i
			break
		}
	}
	if pidCol == -1 {
		return nil, fmt.Errorf("container %s /top response had no PID column", id)
	}

	pids := make([]string, 0, len(resp.Processes))
	for _, row := range resp.Processes {
		if pidCol < len(row) {
			pids = append(pids, row[pidCol])
		}
	}
	return pids, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
