package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/dlog"
)

const (
	httpDeadline = 30 * time.Second
	httpSlowWarn = 3 * time.Second
)

// httpFetcher handles the "http" location type: a single GET with a 30s
// deadline and a slow-call warning logged if the response hasn't arrived
// within 3s.
type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher() *httpFetcher {
	return &httpFetcher{client: &http.Client{Timeout: httpDeadline}}
}

func (h *httpFetcher) fetchHTTP(ctx context.Context, loc config.LocationConf) ([]FetchedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, httpDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.At, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", loc.At, err)
	}

	slowTimer := time.AfterFunc(httpSlowWarn, func() {
		dlog.WithComponent("fetch.http").Warn().Str("url", loc.At).Msg("fetch is taking longer than 3s, still waiting...")
	})
	defer slowTimer.Stop()

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timeout fetching %s: %w", loc.At, ctx.Err())
		}
		return nil, fmt.Errorf("fetching %s: %w", loc.At, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HTTPStatusError{URL: loc.At, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body from %s: %w", loc.At, err)
	}

	return []FetchedItem{NewFetchedItem(body, loc.At)}, nil
}
