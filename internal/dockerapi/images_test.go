package dockerapi

import (
	"context"
	"net/http"
	"testing"
)

func TestEnsureImageSkipsPullWhenPresent(t *testing.T) {
	client, mux, closeFn := newTestServer(t)
	defer closeFn()

	pullCalled := false
	mux.HandleFunc(APIVersion+"/images/alpine/json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc(APIVersion+"/images/create", func(w http.ResponseWriter, r *http.Request) {
		pullCalled = true
	})

	if err := client.EnsureImage(context.Background(), "alpine"); err != nil {
		t.Fatal(err)
	}
	if pullCalled {
		t.Fatal("expected no pull when the image already exists")
	}
}

func TestEnsureImagePullsWhenAbsent(t *testing.T) {
	client, mux, closeFn := newTestServer(t)
	defer closeFn()

	mux.HandleFunc(APIVersion+"/images/alpine/json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	pullCalled := false
	mux.HandleFunc(APIVersion+"/images/create", func(w http.ResponseWriter, r *http.Request) {
		pullCalled = true
	})

	if err := client.EnsureImage(context.Background(), "alpine"); err != nil {
		t.Fatal(err)
	}
	if !pullCalled {
		t.Fatal("expected a pull when the image is absent")
	}
}
