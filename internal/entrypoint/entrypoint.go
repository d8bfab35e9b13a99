// Package entrypoint writes the per-task script and wrapper shell files
// shared by both the host and Docker executors: the task's own script, an
// entrypoint that cds into the right directory, sources the shared
// helpers, re-exports shell functions, and finally invokes the script.
package entrypoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/devloop/internal/fetch"
)

// EpochSeconds returns the current unix epoch in seconds, used to namespace
// one-shot proxy files so repeated runs don't collide.
func EpochSeconds() int64 {
	return time.Now().Unix()
}

// CreateSharedDir creates (if missing) tmpRoot/<pipelineID>-dl-host/ and
// returns its path.
func CreateSharedDir(tmpRoot, pipelineID string) (string, error) {
	dir := filepath.Join(tmpRoot, pipelineID+"-dl-host")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating shared dir %s: %w", dir, err)
	}
	return dir, nil
}

// LogProxyFiles is the pair of host-side files a tail goroutine reads from
// while a task's wrapper redirects its stdout/stderr into them.
type LogProxyFiles struct {
	StdoutPath string
	StderrPath string
}

// CreateLogProxyFiles creates <epoch>-<task>-{out,err}.log inside
// sharedDir, marked world-writable so a lower-privileged in-container user
// can still write to them.
func CreateLogProxyFiles(sharedDir, taskName string) (LogProxyFiles, error) {
	epoch := EpochSeconds()
	out := filepath.Join(sharedDir, fmt.Sprintf("%d-%s-out.log", epoch, taskName))
	errp := filepath.Join(sharedDir, fmt.Sprintf("%d-%s-err.log", epoch, taskName))

	for _, p := range []string{out, errp} {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
		if err != nil {
			return LogProxyFiles{}, fmt.Errorf("creating log proxy file %s: %w", p, err)
		}
		_ = f.Close()
		if err := os.Chmod(p, 0o666); err != nil {
			// Non-fatal: a restrictive umask shouldn't abort the run, only
			// degrade in-container write access.
			continue
		}
	}

	return LogProxyFiles{StdoutPath: out, StderrPath: errp}, nil
}

// CleanHostTempDirs removes every entry directly under tmpRoot whose name
// ends in "-dl-host", the scratch directories created by CreateSharedDir
// and BuildHelpersSourceString across every past invocation, not just the
// current process's own. Individual removal failures are collected and
// returned together rather than aborting the sweep early.
func CleanHostTempDirs(tmpRoot string) error {
	entries, err := os.ReadDir(tmpRoot)
	if err != nil {
		return fmt.Errorf("reading temp root %s: %w", tmpRoot, err)
	}

	var errs []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), "-dl-host") {
			continue
		}
		dir := filepath.Join(tmpRoot, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", dir, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("removing host scratch dirs: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildHelpersSourceString writes every fetched helper to
// tmpRoot/<epoch>-helpers-dl-host/helper-<i>.sh and returns a single POSIX
// shell expression that sources them all, preferring the in-container path
// (present whenever Docker maps TMPDIR to /tmp) and falling back to the
// host absolute path.
func BuildHelpersSourceString(helpers []fetch.FetchedItem, tmpRoot string) (string, error) {
	epoch := EpochSeconds()
	helperDir := filepath.Join(tmpRoot, fmt.Sprintf("%d-helpers-dl-host", epoch))
	if err := os.MkdirAll(helperDir, 0o755); err != nil {
		return "", fmt.Errorf("creating helper dir %s: %w", helperDir, err)
	}

	var src strings.Builder
	for idx, helper := range helpers {
		helperPath := filepath.Join(helperDir, fmt.Sprintf("helper-%d.sh", idx))
		if err := os.WriteFile(helperPath, helper.Contents(), 0o755); err != nil {
			return "", fmt.Errorf("writing helper %s: %w", helperPath, err)
		}

		containerPath := fmt.Sprintf("/tmp/%d-helpers-dl-host/helper-%d.sh", epoch, idx)
		clause := fmt.Sprintf("[[ -f %q ]] && source %q || source %q", containerPath, containerPath, helperPath)
		if src.Len() == 0 {
			src.WriteString(clause)
		} else {
			src.WriteString(" && ")
			src.WriteString(clause)
		}
	}

	return src.String(), nil
}

// Params describes one wrapper/script pair to render.
type Params struct {
	// WorkDir is where the wrapper cds to before running the script
	// (project root for host, /mnt/dl-root for Docker).
	WorkDir string
	// HelperSourceLine is the shared shell expression from
	// BuildHelpersSourceString.
	HelperSourceLine string
	TaskName         string
	ScriptContents   []byte
	Args             []string
	// ScriptDir is where the task script and wrapper are written.
	ScriptDir string
	// RedirectTo, when non-nil, appends `>stdout 2>stderr` to the wrapper's
	// invocation line instead of letting it inherit the parent's pipes
	// (used by the Docker executor, which tails host-visible log files).
	RedirectTo *LogProxyFiles
	// RewriteTmpPrefix, when non-empty, is the host TMPDIR prefix that gets
	// rewritten to /tmp in the rendered paths (Docker executor only).
	RewriteTmpPrefix string
}

// Written is the pair of files CreateEntrypoint produced.
type Written struct {
	ScriptPath     string
	EntrypointPath string
}

// CreateEntrypoint writes the task's own script and a wrapper entrypoint
// script that sources helpers, re-exports shell functions, cds into
// WorkDir, and finally invokes the script with its arguments.
func CreateEntrypoint(p Params) (Written, error) {
	scriptPath := filepath.Join(p.ScriptDir, p.TaskName+".sh")
	if err := os.WriteFile(scriptPath, p.ScriptContents, 0o777); err != nil {
		return Written{}, fmt.Errorf("writing script %s: %w", scriptPath, err)
	}

	entrypointName := p.TaskName + "-entrypoint.sh"
	entrypointPath := filepath.Join(p.ScriptDir, entrypointName)

	invokeScriptPath := scriptPath
	if p.RewriteTmpPrefix != "" {
		invokeScriptPath = rewriteTmpPath(scriptPath, p.RewriteTmpPrefix)
	}

	invocation := fmt.Sprintf("%s %s", shellQuote(invokeScriptPath), joinArgs(p.Args))
	if p.RedirectTo != nil {
		outPath := p.RedirectTo.StdoutPath
		errPath := p.RedirectTo.StderrPath
		if p.RewriteTmpPrefix != "" {
			outPath = rewriteTmpPath(outPath, p.RewriteTmpPrefix)
			errPath = rewriteTmpPath(errPath, p.RewriteTmpPrefix)
		}
		invocation = fmt.Sprintf("{ %s ; } >%s 2>%s", invocation, shellQuote(outPath), shellQuote(errPath))
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "cd %s\n", shellQuote(p.WorkDir))
	if p.HelperSourceLine != "" {
		b.WriteString(p.HelperSourceLine)
		b.WriteString("\n")
	}
	b.WriteString(`eval "$(declare -F | sed -e 's/-f /-fx /')"` + "\n")
	b.WriteString(invocation)
	b.WriteString("\n")

	if err := os.WriteFile(entrypointPath, []byte(b.String()), 0o777); err != nil {
		return Written{}, fmt.Errorf("writing entrypoint %s: %w", entrypointPath, err)
	}

	return Written{ScriptPath: scriptPath, EntrypointPath: entrypointPath}, nil
}

func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// rewriteTmpPath substitutes the host TMPDIR prefix for the container's
// mapped /tmp, so scripts written with host-absolute paths still resolve
// once mounted into the Docker executor's container.
func rewriteTmpPath(path, hostTmpPrefix string) string {
	if strings.HasPrefix(path, hostTmpPrefix) {
		return "/tmp" + strings.TrimPrefix(path, hostTmpPrefix)
	}
	return path
}
