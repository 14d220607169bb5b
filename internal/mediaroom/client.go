// Package mediaroom provides the thin control-API client for the media-room
// service (SFU) hosting publisher and subscriber WebRTC connections.
package mediaroom

import "context"

// Room identifies a provisioned media room.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Track describes one published media track.
type Track struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
}

// Connection quality tiers reported by the room service for a participant.
const (
	QualityConstrained = "constrained"
	QualityStandard    = "standard"
	QualityHigh        = "high"
)

// Participant describes a connected room member.
type Participant struct {
	Identity          string  `json:"identity"`
	CanPublish        bool    `json:"canPublish"`
	ConnectionQuality string  `json:"connectionQuality,omitempty"`
	Tracks            []Track `json:"tracks,omitempty"`
}

// DebugInfo is the status view consumed by the egress health monitor.
type DebugInfo struct {
	Participants      []Participant `json:"participants"`
	PublisherHasVideo bool          `json:"publisherHasVideo"`
	PublisherHasAudio bool          `json:"publisherHasAudio"`
}

// Client is the narrow contract the orchestrator holds against the room
// service. DeleteRoom is idempotent: deleting an already-removed room is not
// an error.
type Client interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int) (Room, error)
	DeleteRoom(ctx context.Context, name string) error
	ListParticipants(ctx context.Context, roomName string) ([]Participant, error)
	IssueToken(ctx context.Context, roomName, identity string, canPublish, canSubscribe bool) (string, error)
	RoomDebugInfo(ctx context.Context, roomName string) (DebugInfo, error)
}

// CountRoles tallies publishers and subscribers in a participant listing.
func CountRoles(participants []Participant) (publishers, subscribers int) {
	for _, participant := range participants {
		if participant.CanPublish {
			publishers++
		} else {
			subscribers++
		}
	}
	return publishers, subscribers
}

// PublisherQuality returns the connection quality of the first publishing
// participant, defaulting to the standard tier when none reports one.
func PublisherQuality(participants []Participant) string {
	for _, participant := range participants {
		if !participant.CanPublish {
			continue
		}
		switch participant.ConnectionQuality {
		case QualityConstrained, QualityStandard, QualityHigh:
			return participant.ConnectionQuality
		}
	}
	return QualityStandard
}
