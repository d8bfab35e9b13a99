package entrypoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/devloop/internal/fetch"
)

func TestCreateSharedDirIsIdempotent(t *testing.T) {
	tmp := t.TempDir()
	first, err := CreateSharedDir(tmp, "pipeline-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(first, "pipeline-1-dl-host") {
		t.Fatalf("unexpected shared dir: %s", first)
	}
	second, err := CreateSharedDir(tmp, "pipeline-1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected stable path, got %s and %s", first, second)
	}
	if info, err := os.Stat(second); err != nil || !info.IsDir() {
		t.Fatalf("expected shared dir to exist: %v", err)
	}
}

func TestCreateLogProxyFilesAreWorldWritable(t *testing.T) {
	tmp := t.TempDir()
	proxy, err := CreateLogProxyFiles(tmp, "build")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{proxy.StdoutPath, proxy.StderrPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("expected proxy file %s to exist: %v", p, err)
		}
		if info.Mode().Perm()&0o666 != 0o666 {
			t.Fatalf("expected %s to be world-writable, got mode %v", p, info.Mode())
		}
	}
}

func TestCreateEntrypointHostStyle(t *testing.T) {
	dir := t.TempDir()
	written, err := CreateEntrypoint(Params{
		WorkDir:          "/repo",
		HelperSourceLine: "source /helpers/h.sh",
		TaskName:         "build",
		ScriptContents:   []byte("#!/usr/bin/env bash\necho hi\n"),
		Args:             []string{"--flag", "value with spaces"},
		ScriptDir:        dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	scriptInfo, err := os.Stat(written.ScriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if scriptInfo.Mode().Perm() != 0o777 {
		t.Fatalf("expected script mode 0o777, got %v", scriptInfo.Mode())
	}

	entrypointBytes, err := os.ReadFile(written.EntrypointPath)
	if err != nil {
		t.Fatal(err)
	}
	entrypoint := string(entrypointBytes)

	if !strings.Contains(entrypoint, "cd '/repo'") {
		t.Fatalf("expected entrypoint to cd into work dir, got:\n%s", entrypoint)
	}
	if !strings.Contains(entrypoint, "source /helpers/h.sh") {
		t.Fatalf("expected entrypoint to source helpers, got:\n%s", entrypoint)
	}
	if !strings.Contains(entrypoint, "declare -F") {
		t.Fatalf("expected entrypoint to re-export shell functions, got:\n%s", entrypoint)
	}
	if !strings.Contains(entrypoint, "'--flag' 'value with spaces'") {
		t.Fatalf("expected quoted args in invocation, got:\n%s", entrypoint)
	}
	if strings.Contains(entrypoint, ">") {
		t.Fatalf("expected no redirection for a host-style entrypoint, got:\n%s", entrypoint)
	}
}

func TestCreateEntrypointDockerStyleRedirectsAndRewritesTmpPaths(t *testing.T) {
	hostTmp := t.TempDir()
	dir := filepath.Join(hostTmp, "pipeline-2-dl-host")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	proxy, err := CreateLogProxyFiles(dir, "test")
	if err != nil {
		t.Fatal(err)
	}

	written, err := CreateEntrypoint(Params{
		WorkDir:          "/mnt/dl-root",
		TaskName:         "test",
		ScriptContents:   []byte("#!/usr/bin/env bash\necho hi\n"),
		ScriptDir:        dir,
		RedirectTo:       &proxy,
		RewriteTmpPrefix: hostTmp,
	})
	if err != nil {
		t.Fatal(err)
	}

	entrypointBytes, err := os.ReadFile(written.EntrypointPath)
	if err != nil {
		t.Fatal(err)
	}
	entrypoint := string(entrypointBytes)

	if strings.Contains(entrypoint, hostTmp) {
		t.Fatalf("expected host tmp prefix to be rewritten to /tmp, got:\n%s", entrypoint)
	}
	if !strings.Contains(entrypoint, "/tmp/pipeline-2-dl-host/test.sh") {
		t.Fatalf("expected rewritten script path under /tmp, got:\n%s", entrypoint)
	}
	if !strings.Contains(entrypoint, ">") || !strings.Contains(entrypoint, "2>") {
		t.Fatalf("expected stdout/stderr redirection, got:\n%s", entrypoint)
	}
}

func TestBuildHelpersSourceStringPrefersContainerPath(t *testing.T) {
	tmp := t.TempDir()
	helpers := []fetch.FetchedItem{
		fetch.NewFetchedItem([]byte("func_a() { :; }\n"), "helpers/a.sh"),
		fetch.NewFetchedItem([]byte("func_b() { :; }\n"), "helpers/b.sh"),
	}

	line, err := BuildHelpersSourceString(helpers, tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "helper-0.sh") || !strings.Contains(line, "helper-1.sh") {
		t.Fatalf("expected both helpers referenced, got: %s", line)
	}
	if !strings.Contains(line, "&&") {
		t.Fatalf("expected both helper clauses joined, got: %s", line)
	}
	if !strings.HasPrefix(line, "[[ -f \"/tmp/") {
		t.Fatalf("expected container path checked first, got: %s", line)
	}
}

func TestCleanHostTempDirsRemovesOnlyDlHostSuffixedDirs(t *testing.T) {
	tmp := t.TempDir()
	keep := filepath.Join(tmp, "some-other-dir")
	gone1 := filepath.Join(tmp, "pipeline-1-dl-host")
	gone2 := filepath.Join(tmp, "1700000000-helpers-dl-host")

	for _, d := range []string{keep, gone1, gone2} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanHostTempDirs(tmp); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("expected unrelated dir to survive: %v", err)
	}
	for _, d := range []string{gone1, gone2} {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, got err=%v", d, err)
		}
	}
}
