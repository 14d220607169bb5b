package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RoomEvent is the tagged union of webhook events emitted by the media-room
// service. Events are delivered at-least-once and may arrive out of order;
// every variant carries the source timestamp used by the reconciliation
// engine's staleness guard.
type RoomEvent interface {
	Room() string
	OccurredAt() time.Time
	roomEvent()
}

// RoomEventMeta carries the fields shared by every room event variant.
type RoomEventMeta struct {
	RoomName string    `json:"roomName"`
	At       time.Time `json:"occurredAt"`
}

func (m RoomEventMeta) Room() string          { return m.RoomName }
func (m RoomEventMeta) OccurredAt() time.Time { return m.At }
func (m RoomEventMeta) roomEvent()            {}

type RoomStarted struct {
	RoomEventMeta
	RoomID string `json:"roomId"`
}

type RoomFinished struct {
	RoomEventMeta
}

type ParticipantJoined struct {
	RoomEventMeta
	Identity   string `json:"identity"`
	CanPublish bool   `json:"canPublish"`
}

type ParticipantLeft struct {
	RoomEventMeta
	Identity   string `json:"identity"`
	CanPublish bool   `json:"canPublish"`
}

type TrackPublished struct {
	RoomEventMeta
	Identity   string `json:"identity"`
	CanPublish bool   `json:"canPublish"`
	TrackKind  string `json:"trackKind,omitempty"`
}

type RoomEgressStarted struct {
	RoomEventMeta
	EgressID string `json:"egressId"`
}

type RoomEgressEnded struct {
	RoomEventMeta
	EgressID     string `json:"egressId"`
	ErrorMessage string `json:"error,omitempty"`
}

// DistributionEvent is the tagged union of webhook events emitted by the
// distribution/egress service for a playback endpoint.
type DistributionEvent interface {
	Endpoint() string
	OccurredAt() time.Time
	distributionEvent()
}

// DistributionEventMeta carries the fields shared by every distribution
// event variant.
type DistributionEventMeta struct {
	EndpointID string    `json:"endpointId"`
	At         time.Time `json:"occurredAt"`
}

func (m DistributionEventMeta) Endpoint() string      { return m.EndpointID }
func (m DistributionEventMeta) OccurredAt() time.Time { return m.At }
func (m DistributionEventMeta) distributionEvent()    {}

type EndpointConnected struct {
	DistributionEventMeta
}

type EndpointDisconnected struct {
	DistributionEventMeta
	// ReconnectWindowSeconds is supplied by the sender; zero means the
	// receiver should apply its default window.
	ReconnectWindowSeconds int `json:"reconnectWindowSeconds,omitempty"`
}

type EndpointIdle struct {
	DistributionEventMeta
}

type RecordingStarted struct {
	DistributionEventMeta
	AssetID string `json:"assetId"`
}

type AssetReady struct {
	DistributionEventMeta
	AssetID         string `json:"assetId"`
	DurationSeconds int    `json:"durationSeconds"`
	PlaybackRef     string `json:"playbackRef"`
}

type AssetErrored struct {
	DistributionEventMeta
	AssetID string `json:"assetId"`
}

type eventEnvelope struct {
	Kind string `json:"kind"`
}

// EventKind returns the wire kind tag for a decoded event, used for logging
// and metrics labels.
func EventKind(event any) string {
	switch event.(type) {
	case *RoomStarted:
		return "room.started"
	case *RoomFinished:
		return "room.finished"
	case *ParticipantJoined:
		return "participant.joined"
	case *ParticipantLeft:
		return "participant.left"
	case *TrackPublished:
		return "track.published"
	case *RoomEgressStarted:
		return "egress.started"
	case *RoomEgressEnded:
		return "egress.ended"
	case *EndpointConnected:
		return "endpoint.connected"
	case *EndpointDisconnected:
		return "endpoint.disconnected"
	case *EndpointIdle:
		return "endpoint.idle"
	case *RecordingStarted:
		return "recording.started"
	case *AssetReady:
		return "asset.ready"
	case *AssetErrored:
		return "asset.errored"
	default:
		return "unknown"
	}
}

// ParseRoomEvent decodes a room webhook payload into its concrete variant.
// Unknown kinds are rejected so a sender-side schema change cannot be
// silently dropped.
func ParseRoomEvent(data []byte) (RoomEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode room event envelope: %w", err)
	}
	kind := strings.TrimSpace(envelope.Kind)
	var event RoomEvent
	switch kind {
	case "room.started":
		event = &RoomStarted{}
	case "room.finished":
		event = &RoomFinished{}
	case "participant.joined":
		event = &ParticipantJoined{}
	case "participant.left":
		event = &ParticipantLeft{}
	case "track.published":
		event = &TrackPublished{}
	case "egress.started":
		event = &RoomEgressStarted{}
	case "egress.ended":
		event = &RoomEgressEnded{}
	default:
		return nil, fmt.Errorf("unknown room event kind %q", kind)
	}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("decode room event %s: %w", kind, err)
	}
	if event.Room() == "" {
		return nil, fmt.Errorf("room event %s missing roomName", kind)
	}
	return event, nil
}

// ParseDistributionEvent decodes a distribution webhook payload into its
// concrete variant.
func ParseDistributionEvent(data []byte) (DistributionEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode distribution event envelope: %w", err)
	}
	kind := strings.TrimSpace(envelope.Kind)
	var event DistributionEvent
	switch kind {
	case "endpoint.connected":
		event = &EndpointConnected{}
	case "endpoint.disconnected":
		event = &EndpointDisconnected{}
	case "endpoint.idle":
		event = &EndpointIdle{}
	case "recording.started":
		event = &RecordingStarted{}
	case "asset.ready":
		event = &AssetReady{}
	case "asset.errored":
		event = &AssetErrored{}
	default:
		return nil, fmt.Errorf("unknown distribution event kind %q", kind)
	}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("decode distribution event %s: %w", kind, err)
	}
	if event.Endpoint() == "" {
		return nil, fmt.Errorf("distribution event %s missing endpointId", kind)
	}
	return event, nil
}
