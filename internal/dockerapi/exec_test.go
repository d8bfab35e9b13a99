package dockerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestWaitExecReturnsExitCodeOnCompletion(t *testing.T) {
	client, mux, closeFn := newTestServer(t)
	defer closeFn()

	var calls int32
	mux.HandleFunc(APIVersion+"/exec/e1/json", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		running := n < 3
		_ = json.NewEncoder(w).Encode(ExecInspection{Running: running, ExitCode: 7})
	})

	code, err := client.WaitExec(context.Background(), "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
}

func TestWaitExecReturnsCancelledSentinel(t *testing.T) {
	client, mux, closeFn := newTestServer(t)
	defer closeFn()

	mux.HandleFunc(APIVersion+"/exec/e1/json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ExecInspection{Running: true})
	})

	_, err := client.WaitExec(context.Background(), "e1", func(ExecInspection) bool { return true })
	if !ErrExecCancelled(err) {
		t.Fatalf("expected the cancelled sentinel, got %v", err)
	}
}
