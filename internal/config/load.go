package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/devloop/internal/dlog"
)

// ConfigDirName is the directory .dl/config.yml lives under.
const ConfigDirName = ".dl"

// ConfigFileName is the name of the top level configuration file.
const ConfigFileName = "config.yml"

// Loaded bundles the parsed configuration with the project root it was
// found relative to, since every other subsystem (fetcher sandbox, docker
// mount sources) is anchored to that root.
type Loaded struct {
	Config      TopLevelConf
	ProjectRoot string
	Found       bool
}

// Load walks upward from startDir looking for .dl/config.yml, stopping at
// the filesystem root. A missing file is not an error: callers decide
// whether that's fatal (exec/run) or a tolerable default (list/clean).
func Load(startDir string) (Loaded, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Loaded{}, fmt.Errorf("resolving start directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, ConfigDirName, ConfigFileName)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			raw, readErr := os.ReadFile(candidate)
			if readErr != nil {
				return Loaded{}, fmt.Errorf("reading %s: %w", candidate, readErr)
			}
			var tlc TopLevelConf
			if yamlErr := yaml.Unmarshal(raw, &tlc); yamlErr != nil {
				return Loaded{}, fmt.Errorf("parsing %s: %w", candidate, yamlErr)
			}
			return Loaded{Config: tlc, ProjectRoot: dir, Found: true}, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	dlog.WithComponent("config").Warn().Msg("no .dl/config.yml found; proceeding with an empty configuration")
	return Loaded{Config: TopLevelConf{}, ProjectRoot: dir, Found: false}, nil
}

// EnsureDirectories creates every directory named in ensure_directories,
// relative to the project root, before any task graph is constructed.
func EnsureDirectories(projectRoot string, dirs []string) error {
	for _, d := range dirs {
		target := d
		if !filepath.IsAbs(target) {
			target = filepath.Join(projectRoot, target)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("ensuring directory %s: %w", target, err)
		}
	}
	return nil
}

// TmpDir resolves the root for devloop's runtime scratch space: $TMPDIR,
// falling back to /tmp.
func TmpDir() string {
	if t := os.Getenv("TMPDIR"); t != "" {
		return t
	}
	return "/tmp"
}

// HomeDir resolves the invoking user's home directory: $HOME, falling back
// to the OS user database.
func HomeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return ""
}
