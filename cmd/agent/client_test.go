package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stagecast/internal/mediaroom"
)

func TestControlClientSnapshot(t *testing.T) {
	var sawAuth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/sess-1/debug" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer key_ab.secret" {
			sawAuth.Store(true)
		}
		json.NewEncoder(w).Encode(mediaroom.DebugInfo{
			Participants: []mediaroom.Participant{
				{Identity: "host-1", CanPublish: true},
				{Identity: "egress-job-9"},
			},
			PublisherHasVideo: true,
		})
	}))
	defer server.Close()

	client, err := newControlClient(server.URL, "sess-1", "key_ab.secret", nil, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("newControlClient: %v", err)
	}
	snapshot, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snapshot.DistributionAttached || !snapshot.PublisherHasVideo {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if !sawAuth.Load() {
		t.Fatal("bearer token not sent")
	}
}

func TestControlClientRestartEgress(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sessions/sess-1/egress/restart" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"outcome":"started","jobId":"egress-2"}`))
	}))
	defer server.Close()

	client, err := newControlClient(server.URL, "sess-1", "key_ab.secret", nil, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("newControlClient: %v", err)
	}
	if err := client.RestartEgress(context.Background()); err != nil {
		t.Fatalf("RestartEgress: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("restart calls = %d, want 1", calls.Load())
	}
}

func TestControlClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(mediaroom.DebugInfo{})
	}))
	defer server.Close()

	client, err := newControlClient(server.URL, "sess-1", "", nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("newControlClient: %v", err)
	}
	if _, err := client.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", calls.Load())
	}
}

func TestControlClientValidation(t *testing.T) {
	if _, err := newControlClient("", "sess-1", "key", nil, 1, 0); err == nil {
		t.Fatal("expected error for missing server url")
	}
	if _, err := newControlClient("http://localhost:8080", "", "key", nil, 1, 0); err == nil {
		t.Fatal("expected error for missing session id")
	}
}
