package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/devloop/internal/config"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFetchFilterReadsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks", "dl-tasks.yml"), "tasks: []\n")
	writeFile(t, filepath.Join(root, "tasks", "README.md"), "ignored\n")

	repo := NewRepository(root)
	items, err := repo.FetchFilter(context.Background(), config.LocationConf{
		Type: config.LocationTypePath,
		At:   "tasks",
	}, "dl-tasks.yml")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 matching file, got %d", len(items))
	}
	if items[0].Source() != filepath.Join(root, "tasks", "dl-tasks.yml") {
		t.Fatalf("unexpected source: %s", items[0].Source())
	}
}

func TestFetchFilterRecursesWhenConfigured(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks", "a", "dl-tasks.yml"), "tasks: []\n")

	recurse := true
	repo := NewRepository(root)
	items, err := repo.FetchFilter(context.Background(), config.LocationConf{
		Type:    config.LocationTypePath,
		At:      "tasks",
		Recurse: &recurse,
	}, "dl-tasks.yml")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 file found recursively, got %d", len(items))
	}
}

func TestFetchFilterRejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "dl-tasks.yml"), "tasks: []\n")

	repo := NewRepository(root)
	_, err := repo.FetchFilter(context.Background(), config.LocationConf{
		Type: config.LocationTypePath,
		At:   "../" + filepath.Base(outside),
	}, "dl-tasks.yml")
	if !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
}

func TestFetchFilterMissingLocationIsNotFound(t *testing.T) {
	root := t.TempDir()
	repo := NewRepository(root)
	_, err := repo.FetchFilter(context.Background(), config.LocationConf{
		Type: config.LocationTypePath,
		At:   "does-not-exist",
	}, "dl-tasks.yml")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
