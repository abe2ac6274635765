package workflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestProgressChannelNaming(t *testing.T) {
	got := ProgressChannel("org-1", "recalc:org-1:abc123def456")
	want := "jobs:org-1:recalc:org-1:abc123def456"
	if got != want {
		t.Fatalf("channel = %q, want %q", got, want)
	}
}

func TestPushSecondaryDeliversEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   [][]byte
		secrets  []string
		received int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/job-events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		secrets = append(secrets, r.Header.Get(WorkerSecretHeader))
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProgressPublisher(nil, srv.URL, "s3cret", time.Second, newTestLogger())
	p.Publish(context.Background(), "org-1", ProgressPayload{
		JobId:    "recalc:org-1:abc",
		Status:   "progress",
		Progress: 40,
		TraceId:  "trace-1",
	})

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("expected one push, got %d", received)
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("worker secret header = %q", secrets[0])
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(bodies[0], &envelope); err != nil {
		t.Fatalf("unmarshal pushed body: %v", err)
	}
	if envelope["org_id"] != "org-1" {
		t.Fatalf("org_id = %v", envelope["org_id"])
	}
	if envelope["job_id"] != "recalc:org-1:abc" {
		t.Fatalf("job_id = %v", envelope["job_id"])
	}
	if envelope["progress"] != float64(40) {
		t.Fatalf("progress = %v", envelope["progress"])
	}
}

func TestPushSecondaryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProgressPublisher(nil, srv.URL, "s3cret", time.Second, newTestLogger())
	// Must not panic or propagate.
	p.Publish(context.Background(), "org-1", ProgressPayload{JobId: "j", Status: "progress"})

	// Unreachable endpoint is equally non-fatal.
	p.APIBase = "http://127.0.0.1:1"
	p.Publish(context.Background(), "org-1", ProgressPayload{JobId: "j", Status: "progress"})
}

func TestPublishWithoutChannelsIsNoOp(t *testing.T) {
	p := NewProgressPublisher(nil, "", "", time.Second, newTestLogger())
	p.Publish(context.Background(), "org-1", ProgressPayload{JobId: "j", Status: "started"})

	var nilPub *ProgressPublisher
	nilPub.Publish(context.Background(), "org-1", ProgressPayload{JobId: "j"})
}
