package indicator

import (
	"bytes"
	"strings"
	"testing"
)

func TestApplyLogBuffersPartialLineUntilNewline(t *testing.T) {
	var buf bytes.Buffer
	ind, logCh, _ := New(1, &buf)

	logCh <- LogEvent{Tag: "build", Chunk: "hello "}
	logCh <- LogEvent{Tag: "build", Chunk: "world\n"}
	ind.drainNonBlocking()

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Fatalf("expected the two chunks joined into one line, got %q", out)
	}
}

func TestApplyLogSplitsMultipleLines(t *testing.T) {
	var buf bytes.Buffer
	ind, logCh, _ := New(1, &buf)

	logCh <- LogEvent{Tag: "build", Chunk: "line1\nline2\n"}
	ind.drainNonBlocking()

	out := buf.String()
	if !strings.Contains(out, "line1") || !strings.Contains(out, "line2") {
		t.Fatalf("expected both lines emitted, got %q", out)
	}
}

func TestFinishedTaskFlushesTrailingPartialLine(t *testing.T) {
	var buf bytes.Buffer
	ind, logCh, taskCh := New(1, &buf)

	logCh <- LogEvent{Tag: "build", Chunk: "no trailing newline"}
	taskCh <- TaskChange{Kind: Started, Tag: "build"}
	taskCh <- TaskChange{Kind: Finished, Tag: "build"}
	ind.drainNonBlocking()

	out := buf.String()
	if !strings.Contains(out, "no trailing newline") {
		t.Fatalf("expected the unterminated fragment to be flushed on finish, got %q", out)
	}
}

func TestStopAndFlushFlushesAllBuffersAndPrintsFooterOnce(t *testing.T) {
	var buf bytes.Buffer
	ind, logCh, taskCh := New(2, &buf)

	taskCh <- TaskChange{Kind: Started, Tag: "build"}
	logCh <- LogEvent{Tag: "build", Chunk: "partial"}

	ind.StopAndFlush()
	ind.StopAndFlush() // must be idempotent

	out := buf.String()
	if !strings.Contains(out, "partial") {
		t.Fatalf("expected the buffered fragment flushed, got %q", out)
	}
	if strings.Count(out, "Tasks Running") != 1 {
		t.Fatalf("expected exactly one footer print from two StopAndFlush calls, got %q", out)
	}
}

func TestRunningTasksListedSorted(t *testing.T) {
	var buf bytes.Buffer
	ind, _, taskCh := New(2, &buf)

	taskCh <- TaskChange{Kind: Started, Tag: "zeta"}
	taskCh <- TaskChange{Kind: Started, Tag: "alpha"}
	ind.drainNonBlocking()
	ind.repaint()

	out := buf.String()
	if strings.Index(out, "alpha") > strings.Index(out, "zeta") {
		t.Fatalf("expected alpha listed before zeta, got %q", out)
	}
}
