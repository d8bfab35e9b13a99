package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/indicator"
)

func drainEvents(logCh chan indicator.LogEvent, changeCh chan indicator.TaskChange, done <-chan struct{}, result chan<- string) {
	var sb strings.Builder
	for {
		select {
		case ev := <-logCh:
			sb.WriteString(ev.Chunk)
		case <-changeCh:
		case <-done:
			// Drain whatever's left without blocking.
			for {
				select {
				case ev := <-logCh:
					sb.WriteString(ev.Chunk)
				default:
					result <- sb.String()
					return
				}
			}
		}
	}
}

func TestHostExecuteRunsScriptAndCapturesOutput(t *testing.T) {
	h := NewHost(config.ExecutorConf{}, t.TempDir())
	if h.ID() != HostExecutorID {
		t.Fatalf("expected id %q, got %q", HostExecutorID, h.ID())
	}

	logCh := make(chan indicator.LogEvent, 64)
	changeCh := make(chan indicator.TaskChange, 64)
	done := make(chan struct{})

	result := make(chan string, 1)
	go drainEvents(logCh, changeCh, done, result)

	tc := TaskContext{
		TaskName:       "greet",
		PipelineID:     "pipeline1",
		CtrlcIsFailure: true,
		ScriptContents: []byte("#!/bin/sh\necho hello-from-host\n"),
		WorkDir:        t.TempDir(),
	}

	code, err := h.Execute(context.Background(), tc, 0, cancel.New(), logCh, changeCh)
	close(done)
	output := <-result

	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(output, "hello-from-host") {
		t.Fatalf("expected output to contain the echoed line, got %q", output)
	}

	if err := h.Clean(context.Background()); err != nil {
		t.Fatalf("expected clean to succeed, got %v", err)
	}
}

func TestHostExecuteTagsEventsWithWorkerIndex(t *testing.T) {
	h := NewHost(config.ExecutorConf{}, t.TempDir())
	logCh := make(chan indicator.LogEvent, 64)
	changeCh := make(chan indicator.TaskChange, 64)

	tc := TaskContext{
		TaskName:       "tagme",
		PipelineID:     "pipeline3",
		CtrlcIsFailure: true,
		ScriptContents: []byte("#!/bin/sh\necho out\n"),
		WorkDir:        t.TempDir(),
	}

	code, err := h.Execute(context.Background(), tc, 3, cancel.New(), logCh, changeCh)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	started := <-changeCh
	if started.Tag != "3-tagme" {
		t.Fatalf("expected the start event tagged with the worker slot, got %q", started.Tag)
	}
	ev := <-logCh
	if ev.Tag != "3-tagme" {
		t.Fatalf("expected log events tagged with the worker slot, got %q", ev.Tag)
	}
}

func TestHostExecuteNonzeroExit(t *testing.T) {
	h := NewHost(config.ExecutorConf{}, t.TempDir())
	logCh := make(chan indicator.LogEvent, 64)
	changeCh := make(chan indicator.TaskChange, 64)
	go func() {
		for {
			select {
			case <-logCh:
			case <-changeCh:
			}
		}
	}()

	tc := TaskContext{
		TaskName:       "fail",
		PipelineID:     "pipeline2",
		CtrlcIsFailure: true,
		ScriptContents: []byte("#!/bin/sh\nexit 7\n"),
		WorkDir:        t.TempDir(),
	}

	code, err := h.Execute(context.Background(), tc, 0, cancel.New(), logCh, changeCh)
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
}
