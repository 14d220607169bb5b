package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stagecast/internal/mediaroom"
)

func TestHTTPClientEndpointLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/endpoints":
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Fatalf("expected bearer auth, got %q", got)
			}
			json.NewEncoder(w).Encode(Endpoint{ID: "ep-1", PlaybackID: "pb-1", StreamTarget: "rtmp://distribution/ep-1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/endpoints/ep-1":
			http.Error(w, "already removed", http.StatusNotFound)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", server.Client(), nil, 2, time.Nanosecond)

	endpoint, err := client.CreateEndpoint(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if endpoint.ID != "ep-1" || endpoint.PlaybackID != "pb-1" {
		t.Fatalf("unexpected endpoint: %+v", endpoint)
	}

	if err := client.DeleteEndpoint(context.Background(), "ep-1"); err != nil {
		t.Fatalf("DeleteEndpoint should tolerate 404: %v", err)
	}
}

func TestHTTPClientRestreamLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/restreams":
			var payload startRestreamRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if payload.RoomName != "session-1" || payload.TargetURL != "rtmp://distribution/ep-1" {
				t.Fatalf("unexpected payload: %+v", payload)
			}
			if payload.Bitrate != 3_000_000 || payload.Resolution != "1280x720" || payload.Layout != "grid" {
				t.Fatalf("unexpected preset: %+v", payload)
			}
			json.NewEncoder(w).Encode(Job{ID: "eg-1", RoomName: "session-1", Status: "starting"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/restreams":
			if got := r.URL.Query().Get("room"); got != "session-1" {
				t.Fatalf("unexpected room filter %q", got)
			}
			json.NewEncoder(w).Encode(listActiveResponse{Jobs: []Job{{ID: "eg-1", RoomName: "session-1", Status: "active"}}})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/restreams/eg-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client(), nil, 1, 0)

	job, err := client.StartRestream(context.Background(), "session-1", "rtmp://distribution/ep-1", PresetFor(mediaroom.QualityStandard, ""))
	if err != nil {
		t.Fatalf("StartRestream: %v", err)
	}
	if job.ID != "eg-1" || !job.Active() {
		t.Fatalf("unexpected job: %+v", job)
	}

	jobs, err := client.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "eg-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	if err := client.StopRestream(context.Background(), "eg-1"); err != nil {
		t.Fatalf("StopRestream: %v", err)
	}
}

func TestPresetTiers(t *testing.T) {
	cases := []struct {
		quality    string
		bitrate    int
		resolution string
	}{
		{mediaroom.QualityConstrained, 1_200_000, "854x480"},
		{mediaroom.QualityStandard, 3_000_000, "1280x720"},
		{mediaroom.QualityHigh, 6_000_000, "1920x1080"},
		{"unknown", 3_000_000, "1280x720"},
	}
	for _, tc := range cases {
		preset := PresetFor(tc.quality, "speaker")
		if preset.Bitrate != tc.bitrate || preset.Resolution != tc.resolution {
			t.Errorf("PresetFor(%q) = %+v", tc.quality, preset)
		}
		if preset.Layout != "speaker" {
			t.Errorf("PresetFor(%q) layout = %q", tc.quality, preset.Layout)
		}
	}
}
