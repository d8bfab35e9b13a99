package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFindsConfigWalkingUpward(t *testing.T) {
	root := t.TempDir()
	dlDir := filepath.Join(root, ConfigDirName)
	require.NoError(t, os.MkdirAll(dlDir, 0o755))

	contents := []byte("ensure_directories:\n  - .devloop-scratch\ntask_locations:\n  - type: path\n    at: tasks\n")
	require.NoError(t, os.WriteFile(filepath.Join(dlDir, ConfigFileName), contents, 0o644))

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	loaded, err := Load(nested)
	require.NoError(t, err)
	require.True(t, loaded.Found)
	require.Equal(t, root, loaded.ProjectRoot)
	require.Equal(t, []string{".devloop-scratch"}, loaded.Config.EnsureDirectories)
	require.Len(t, loaded.Config.TaskLocations, 1)
}

func TestLoadToleratesMissingConfig(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(dir)
	require.NoError(t, err)
	require.False(t, loaded.Found)
}

func TestEnsureDirectoriesCreatesRelativeToRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDirectories(root, []string{"scratch/nested"}))

	info, err := os.Stat(filepath.Join(root, "scratch", "nested"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestTmpDirFallsBackToTmp(t *testing.T) {
	t.Setenv("TMPDIR", "")
	require.Equal(t, "/tmp", TmpDir())
}

func TestTmpDirHonorsEnv(t *testing.T) {
	t.Setenv("TMPDIR", "/custom/tmp")
	require.Equal(t, "/custom/tmp", TmpDir())
}
