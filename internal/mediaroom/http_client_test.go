package mediaroom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestHTTPClientCreateAndDeleteRoom verifies create/delete round trips with
// bearer auth, including the tolerated delete of an already-removed room.
func TestHTTPClientCreateAndDeleteRoom(t *testing.T) {
	var created, deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/rooms":
			created = true
			if got := r.Header.Get("Authorization"); got != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", got)
			}
			var payload createRoomRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if payload.Name != "session-1" || payload.MaxParticipants != 20 {
				t.Fatalf("unexpected payload: %+v", payload)
			}
			json.NewEncoder(w).Encode(Room{ID: "rm-1", Name: "session-1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/rooms/session-1":
			deleted = true
			http.Error(w, "gone already", http.StatusNotFound)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), nil, 2, time.Nanosecond)

	room, err := client.CreateRoom(context.Background(), "session-1", 20)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.ID != "rm-1" || room.Name != "session-1" {
		t.Fatalf("unexpected room: %+v", room)
	}
	if !created {
		t.Fatal("expected create endpoint to be invoked")
	}

	if err := client.DeleteRoom(context.Background(), "session-1"); err != nil {
		t.Fatalf("DeleteRoom should tolerate 404: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete endpoint to be invoked")
	}
}

func TestHTTPClientListParticipantsAndDebugInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/rooms/session-1/participants":
			json.NewEncoder(w).Encode(listParticipantsResponse{Participants: []Participant{
				{Identity: "host", CanPublish: true, ConnectionQuality: QualityHigh},
				{Identity: "viewer-1"},
				{Identity: "restreamer"},
			}})
		case "/v1/rooms/session-1/debug":
			json.NewEncoder(w).Encode(DebugInfo{
				Participants:      []Participant{{Identity: "host", CanPublish: true}},
				PublisherHasVideo: true,
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client(), nil, 1, 0)

	participants, err := client.ListParticipants(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	publishers, subscribers := CountRoles(participants)
	if publishers != 1 || subscribers != 2 {
		t.Fatalf("got %d publishers, %d subscribers", publishers, subscribers)
	}
	if quality := PublisherQuality(participants); quality != QualityHigh {
		t.Fatalf("publisher quality = %q", quality)
	}

	info, err := client.RoomDebugInfo(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("RoomDebugInfo: %v", err)
	}
	if !info.PublisherHasVideo || info.PublisherHasAudio {
		t.Fatalf("unexpected debug info: %+v", info)
	}
}

func TestHTTPClientIssueToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/rooms/session-1/tokens" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload issueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Identity != "host" || !payload.CanPublish || !payload.CanSubscribe {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		json.NewEncoder(w).Encode(issueTokenResponse{Token: "jwt-token"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client(), nil, 1, 0)
	token, err := client.IssueToken(context.Background(), "session-1", "host", true, true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token != "jwt-token" {
		t.Fatalf("token = %q", token)
	}
}

func TestPublisherQualityDefaultsToStandard(t *testing.T) {
	participants := []Participant{{Identity: "host", CanPublish: true, ConnectionQuality: "unknown"}}
	if quality := PublisherQuality(participants); quality != QualityStandard {
		t.Fatalf("quality = %q, want standard", quality)
	}
}
