package models

import (
	"testing"
	"time"
)

func TestSessionStatusCanAdvance(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusCreated, StatusLive, true},
		{StatusCreated, StatusEnded, true},
		{StatusLive, StatusEnded, true},
		{StatusLive, StatusCreated, false},
		{StatusEnded, StatusLive, false},
		{StatusEnded, StatusCreated, false},
		{StatusLive, StatusLive, false},
		{StatusCreated, SessionStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.want {
			t.Errorf("CanAdvance(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordingStatusFailedIsTerminal(t *testing.T) {
	for _, next := range []RecordingStatus{RecordingNone, RecordingActive, RecordingProcessing, RecordingReady} {
		if RecordingFailed.CanAdvance(next) {
			t.Errorf("failed recording status advanced to %s", next)
		}
	}
	if !RecordingProcessing.CanAdvance(RecordingReady) {
		t.Fatal("processing should advance to ready")
	}
	if RecordingReady.CanAdvance(RecordingActive) {
		t.Fatal("ready must not fall back to recording")
	}
}

func TestParseRoomEventVariants(t *testing.T) {
	payload := []byte(`{"kind":"participant.joined","roomName":"session-1","identity":"host","canPublish":true,"occurredAt":"2024-05-01T10:00:00Z"}`)
	event, err := ParseRoomEvent(payload)
	if err != nil {
		t.Fatalf("ParseRoomEvent: %v", err)
	}
	joined, ok := event.(*ParticipantJoined)
	if !ok {
		t.Fatalf("expected *ParticipantJoined, got %T", event)
	}
	if joined.Room() != "session-1" || !joined.CanPublish || joined.Identity != "host" {
		t.Fatalf("unexpected event: %+v", joined)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !joined.OccurredAt().Equal(want) {
		t.Fatalf("unexpected timestamp %v", joined.OccurredAt())
	}
}

func TestParseRoomEventRejectsUnknownKind(t *testing.T) {
	if _, err := ParseRoomEvent([]byte(`{"kind":"room.exploded","roomName":"r"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := ParseRoomEvent([]byte(`{"kind":"room.finished"}`)); err == nil {
		t.Fatal("expected error for missing roomName")
	}
}

func TestParseDistributionEventVariants(t *testing.T) {
	payload := []byte(`{"kind":"asset.ready","endpointId":"ep-1","assetId":"as-9","durationSeconds":120,"playbackRef":"pb-ref","occurredAt":"2024-05-01T11:00:00Z"}`)
	event, err := ParseDistributionEvent(payload)
	if err != nil {
		t.Fatalf("ParseDistributionEvent: %v", err)
	}
	ready, ok := event.(*AssetReady)
	if !ok {
		t.Fatalf("expected *AssetReady, got %T", event)
	}
	if ready.Endpoint() != "ep-1" || ready.AssetID != "as-9" || ready.DurationSeconds != 120 || ready.PlaybackRef != "pb-ref" {
		t.Fatalf("unexpected event: %+v", ready)
	}

	if _, err := ParseDistributionEvent([]byte(`{"kind":"endpoint.rebooted","endpointId":"ep"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
