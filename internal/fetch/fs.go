package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/devloop/internal/config"
)

// fsFetcher handles the "path" location type. Fetching is only ever allowed
// from within the project root: a script that lives outside the repository
// isn't reproducible on anyone else's machine.
type fsFetcher struct{}

func newFSFetcher() *fsFetcher { return &fsFetcher{} }

func isChildOf(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (f *fsFetcher) fetchFromFS(loc config.LocationConf, projectRoot, rootDir, filterSuffix string) ([]FetchedItem, error) {
	if loc.Type != config.LocationTypePath {
		return nil, fmt.Errorf("%w: location %q passed to filesystem fetcher", ErrInvalidLocationType, loc.Type)
	}

	built := filepath.Join(rootDir, loc.At)
	canon, err := filepath.EvalSymlinks(built)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, built)
		}
		return nil, fmt.Errorf("resolving %s: %w", built, err)
	}

	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	if !isChildOf(absRoot, canon) {
		return nil, fmt.Errorf("%w: %s is not a child of project root %s", ErrPathEscape, canon, absRoot)
	}

	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canon)
	}

	var paths []string
	switch {
	case info.IsDir():
		paths, err = iterateDirectory(canon, loc.GetRecurse())
		if err != nil {
			return nil, err
		}
	case info.Mode().IsRegular():
		paths = []string{canon}
	default:
		return nil, fmt.Errorf("%w: %s is neither a file nor a directory", ErrNotFound, canon)
	}

	results := make([]FetchedItem, 0, len(paths))
	for _, p := range paths {
		if filterSuffix != "" && !strings.HasSuffix(p, filterSuffix) {
			continue
		}
		contents, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil, fmt.Errorf("reading %s: %w", p, readErr)
		}
		results = append(results, NewFetchedItem(contents, p))
	}

	return results, nil
}

// iterateDirectory lists every regular file under dir, recursing only when
// shouldRecurse is set.
func iterateDirectory(dir string, shouldRecurse bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var results []string
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if shouldRecurse {
				sub, err := iterateDirectory(full, shouldRecurse)
				if err != nil {
					return nil, err
				}
				results = append(results, sub...)
			}
		case entry.Type().IsRegular():
			results = append(results, full)
		}
	}
	return results, nil
}
