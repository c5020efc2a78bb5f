package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/orchestrator"
	"github.com/orbitlab/kessler/internal/store"
)

func TestGetTaskStatusPending(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	created := postJob(t, ts.URL, submitBody)
	defer created.Body.Close()

	var submitted submitJobResponse
	if err := json.NewDecoder(created.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	resp, err := http.Get(ts.URL + "/tasks/" + submitted.TaskHandle)
	if err != nil {
		t.Fatalf("GET /tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var view orchestrator.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode status view: %v", err)
	}
	if view.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", view.Status, model.StatusPending)
	}
	if view.JobID != "s1" {
		t.Errorf("JobID = %q, want s1", view.JobID)
	}
}

func TestGetTaskStatusByJobID(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	created := postJob(t, ts.URL, submitBody)
	created.Body.Close()

	resp, err := http.Get(ts.URL + "/tasks/s1")
	if err != nil {
		t.Fatalf("GET /tasks/s1: %v", err)
	}
	defer resp.Body.Close()

	var view orchestrator.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode status view: %v", err)
	}
	if view.JobID != "s1" {
		t.Errorf("JobID = %q, want s1", view.JobID)
	}
}

func TestGetTaskStatusCompleted(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	created := postJob(t, ts.URL, submitBody)
	created.Body.Close()

	ctx := context.Background()
	if err := env.store.UpdateStatus(ctx, "s1", model.StatusPending, model.StatusRunning, store.Update{}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	ref := "file:///tmp/results/s1.json"
	if err := env.store.UpdateStatus(ctx, "s1", model.StatusRunning, model.StatusCompleted, store.Update{ResultRef: ref}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/tasks/s1")
	if err != nil {
		t.Fatalf("GET /tasks/s1: %v", err)
	}
	defer resp.Body.Close()

	var view orchestrator.StatusView
	json.NewDecoder(resp.Body).Decode(&view)
	if view.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", view.Status, model.StatusCompleted)
	}
	if view.ResultRef != ref {
		t.Errorf("ResultRef = %q, want %q", view.ResultRef, ref)
	}
}

func TestGetTaskStatusUnknownHandle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/no-such-handle")
	if err != nil {
		t.Fatalf("GET /tasks: %v", err)
	}
	defer resp.Body.Close()

	// Unknown handles are not an error, they report status "unknown".
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var view orchestrator.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode status view: %v", err)
	}
	if view.Status != orchestrator.StatusUnknown {
		t.Errorf("Status = %q, want %q", view.Status, orchestrator.StatusUnknown)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Status = %q, want ok", health.Status)
	}
}
