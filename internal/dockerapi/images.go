package dockerapi

import (
	"context"
	"fmt"
	"net/url"
)

// ImageExists reports whether the given image reference is already present
// locally, so PullImage can be skipped for images built or pulled earlier.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	err := c.get(ctx, fmt.Sprintf("/images/%s/json", url.PathEscape(ref)), nil)
	if err == nil {
		return true, nil
	}
	if se, ok := err.(*StatusError); ok && se.Status == 404 {
		return false, nil
	}
	return false, err
}

// PullImage pulls ref from its configured registry. The Engine streams
// progress as newline-delimited JSON on the response body; this tool has no
// use for the progress frames themselves, only for knowing the pull
// finished, so the body is drained and discarded by the shared request
// path. Image pulls get a much longer deadline than other calls since large
// base images can take minutes on a slow link.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	path := "/images/create?" + url.Values{"fromImage": {ref}}.Encode()
	if err := c.postWithDeadline(ctx, path, nil, nil, pullDeadline, "pulling image "+ref); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// EnsureImage pulls ref only if it isn't already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	exists, err := c.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.PullImage(ctx, ref)
}
