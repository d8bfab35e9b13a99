package dockerapi

import (
	"context"
	"fmt"
	"net/url"
)

// NetworkNamePrefix namespaces the bridge network created for each
// pipeline so its tasks can address one another by container name.
const NetworkNamePrefix = "dl-"

// NetworkSummary is the subset of /networks list entries used for cleanup.
type NetworkSummary struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type networkCreateResponse struct {
	ID string `json:"Id"`
}

// EnsureNetwork returns the id of the bridge network named
// NetworkNamePrefix+pipelineID, creating it if absent. Callers must hold
// NetworkCreateMu for the duration to avoid two pipelines racing to create
// the same network.
func (c *Client) EnsureNetwork(ctx context.Context, pipelineID string) (string, error) {
	name := NetworkNamePrefix + pipelineID

	existing, err := c.findNetworkByName(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	body := struct {
		Name           string `json:"Name"`
		CheckDuplicate bool   `json:"CheckDuplicate"`
		Driver         string `json:"Driver"`
	}{Name: name, CheckDuplicate: true, Driver: "bridge"}

	var resp networkCreateResponse
	if err := c.postWithDeadline(ctx, "/networks/create", body, &resp, defaultDeadline, "creating network "+name); err != nil {
		return "", fmt.Errorf("creating network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (c *Client) findNetworkByName(ctx context.Context, name string) (string, error) {
	filters := fmt.Sprintf(`{"name":[%q]}`, name)
	path := "/networks?" + url.Values{"filters": {filters}}.Encode()
	var nets []NetworkSummary
	if err := c.get(ctx, path, &nets); err != nil {
		return "", fmt.Errorf("looking up network %s: %w", name, err)
	}
	for _, n := range nets {
		if n.Name == name {
			return n.ID, nil
		}
	}
	return "", nil
}

// AttachContainer connects an existing container to a network under the
// given alias. Callers must hold NetworkAttachMu for the duration.
func (c *Client) AttachContainer(ctx context.Context, networkID, containerID, alias string) error {
	body := struct {
		Container      string `json:"Container"`
		EndpointConfig struct {
			Aliases []string `json:"Aliases"`
		} `json:"EndpointConfig"`
	}{Container: containerID}
	body.EndpointConfig.Aliases = []string{alias}

	path := fmt.Sprintf("/networks/%s/connect", networkID)
	if err := c.postWithDeadline(ctx, path, body, nil, defaultDeadline, "attaching container to network"); err != nil {
		return fmt.Errorf("attaching container %s to network %s: %w", containerID, networkID, err)
	}
	return nil
}

// RemoveNetwork deletes a network, tolerating it already being gone.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	if err := c.deleteReq(ctx, fmt.Sprintf("/networks/%s", id)); err != nil {
		return fmt.Errorf("removing network %s: %w", id, err)
	}
	return nil
}

// ListDevloopNetworks returns every network whose name carries
// NetworkNamePrefix.
func (c *Client) ListDevloopNetworks(ctx context.Context) ([]NetworkSummary, error) {
	var all []NetworkSummary
	if err := c.get(ctx, "/networks", &all); err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	var ours []NetworkSummary
	for _, n := range all {
		if hasPrefix(n.Name, NetworkNamePrefix) {
			ours = append(ours, n)
		}
	}
	return ours, nil
}
