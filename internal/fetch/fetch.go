// Package fetch resolves a config.LocationConf (filesystem subtree or HTTP
// URL) into the raw bytes of matching files.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/devloop/internal/config"
)

// FetchedItem is the content of one resolved file, plus an end-user
// understood description of where it came from.
type FetchedItem struct {
	contents []byte
	source   string
}

// NewFetchedItem constructs a FetchedItem.
func NewFetchedItem(contents []byte, source string) FetchedItem {
	return FetchedItem{contents: contents, source: source}
}

// Contents returns the fetched bytes.
func (f FetchedItem) Contents() []byte { return f.contents }

// Source returns the origin path or URL.
func (f FetchedItem) Source() string { return f.source }

// Sentinel error kinds a caller can discriminate with errors.Is/As.
var (
	ErrInvalidLocationType = errors.New("invalid location type")
	ErrPathEscape          = errors.New("path escapes project root")
	ErrNotFound            = errors.New("location not found")
)

// HTTPStatusError is returned when a remote fetch responds outside 200-299.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d fetching %s", e.Code, e.URL)
}

// Repository dispatches a LocationConf to the filesystem or HTTP fetcher.
type Repository struct {
	http        *httpFetcher
	fs          *fsFetcher
	projectRoot string
}

// NewRepository builds a fetcher bound to a project root, used as the
// default sandbox boundary and default filesystem resolution base.
func NewRepository(projectRoot string) *Repository {
	return &Repository{
		http:        newHTTPFetcher(),
		fs:          newFSFetcher(),
		projectRoot: projectRoot,
	}
}

// FetchFilter fetches from a location, optionally filtering filesystem
// results to files whose name ends with filterSuffix.
func (r *Repository) FetchFilter(ctx context.Context, loc config.LocationConf, filterSuffix string) ([]FetchedItem, error) {
	return r.FetchWithRootAndFilter(ctx, loc, r.projectRoot, filterSuffix)
}

// FetchWithRootAndFilter is FetchFilter but lets the caller override the
// filesystem resolution root (e.g. a task's own source directory).
func (r *Repository) FetchWithRootAndFilter(ctx context.Context, loc config.LocationConf, rootDir, filterSuffix string) ([]FetchedItem, error) {
	switch loc.Type {
	case config.LocationTypeHTTP:
		return r.http.fetchHTTP(ctx, loc)
	case config.LocationTypePath:
		return r.fs.fetchFromFS(loc, r.projectRoot, rootDir, filterSuffix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocationType, loc.Type)
	}
}

// ProjectRoot returns the sandbox root this repository was built with.
func (r *Repository) ProjectRoot() string { return r.projectRoot }
