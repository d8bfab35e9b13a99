// Package dockerapi is a thin REST client bound to a fixed Docker Engine
// API version, talking over the unix socket. Every request acquires a
// process-wide lock before issuing and releases it only once the response
// body has been fully drained, because some engines mis-handle concurrent
// streams on the same socket connection.
package dockerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/devloop/internal/dlog"
)

const (
	// APIVersion is the fixed Docker Engine API version this client speaks.
	APIVersion = "/v1.40"
	// SocketPath is the default Docker Engine unix socket.
	SocketPath = "/var/run/docker.sock"

	defaultDeadline = 30 * time.Second
	pullDeadline    = time.Hour
	slowCallWarning = 3 * time.Second
)

// StatusError is returned when the engine responds outside 200-299.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("docker engine returned %d for %s: %s", e.Status, e.Path, e.Body)
}

// Client is a thin, lock-serialized Docker Engine REST client.
type Client struct {
	http *http.Client

	// OnAPICall, when set, observes every completed engine round trip with
	// the request path (query string stripped) and response status. Wired
	// to the metrics registry by the CLI layer.
	OnAPICall func(endpoint string, status int)

	// socketMu serializes every call against the engine socket.
	socketMu sync.Mutex
	// NetworkCreateMu avoids racing a network create against a concurrent
	// get-miss from another pipeline starting at the same time.
	NetworkCreateMu sync.Mutex
	// NetworkAttachMu guards the analogous get/attach race.
	NetworkAttachMu sync.Mutex
	// PermissionHelperMu serializes in-container `useradd` invocations.
	PermissionHelperMu sync.Mutex
}

// NewClient dials the given unix socket path (SocketPath if empty).
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = SocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// do issues one request against the engine, holding the socket lock for the
// full round trip including draining the response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, deadline time.Duration, slowMsg string) (int, []byte, error) {
	c.socketMu.Lock()
	defer c.socketMu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	url := "http://localhost" + APIVersion + path
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := time.AfterFunc(slowCallWarning, func() {
		msg := slowMsg
		if msg == "" {
			msg = "docker engine call is taking a while"
		}
		dlog.WithComponent("dockerapi").Warn().Str("path", path).Msg(msg)
	})
	defer timer.Stop()

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return 0, nil, fmt.Errorf("docker engine call to %s timed out: %w", path, reqCtx.Err())
		}
		return 0, nil, fmt.Errorf("docker engine call to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if c.OnAPICall != nil {
		endpoint := path
		if i := strings.Index(endpoint, "?"); i >= 0 {
			endpoint = endpoint[:i]
		}
		c.OnAPICall(endpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading docker engine response for %s: %w", path, err)
	}

	return resp.StatusCode, data, nil
}

// get issues a GET and decodes a 2xx JSON body into out (if out != nil).
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.getWithDeadline(ctx, path, out, defaultDeadline, "")
}

func (c *Client) getWithDeadline(ctx context.Context, path string, out interface{}, deadline time.Duration, slowMsg string) error {
	status, data, err := c.do(ctx, http.MethodGet, path, nil, deadline, slowMsg)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Path: path, Status: status, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// post issues a POST with an optional JSON body and decodes a 2xx JSON
// response into out (if out != nil).
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.postWithDeadline(ctx, path, in, out, defaultDeadline, "")
}

func (c *Client) postWithDeadline(ctx context.Context, path string, in, out interface{}, deadline time.Duration, slowMsg string) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body for %s: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	status, data, err := c.do(ctx, http.MethodPost, path, body, deadline, slowMsg)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Path: path, Status: status, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// deleteReq issues a DELETE, tolerating a 404 as a non-error (already gone).
func (c *Client) deleteReq(ctx context.Context, path string) error {
	status, data, err := c.do(ctx, http.MethodDelete, path, nil, defaultDeadline, "")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status > 299 {
		return &StatusError{Path: path, Status: status, Body: string(data)}
	}
	return nil
}

// Ping probes /version and reports whether the engine is reachable and
// reports a version string, used for compatibility checks.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"Version"`
	}
	if err := c.get(ctx, "/version", &v); err != nil {
		return "", err
	}
	if v.Version == "" {
		return "", fmt.Errorf("docker engine /version response missing Version field")
	}
	return v.Version, nil
}
