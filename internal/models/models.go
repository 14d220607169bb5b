package models

import "time"

// SessionStatus tracks the broadcast lifecycle. Transitions are forward-only:
// a session never returns to an earlier status regardless of event ordering.
type SessionStatus string

const (
	StatusCreated SessionStatus = "created"
	StatusLive    SessionStatus = "live"
	StatusEnded   SessionStatus = "ended"
)

func (s SessionStatus) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusLive:
		return 1
	case StatusEnded:
		return 2
	default:
		return -1
	}
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	return s.rank() >= 0
}

// CanAdvance reports whether moving to next respects the monotonic lifecycle.
func (s SessionStatus) CanAdvance(next SessionStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// RecordingStatus tracks the recording asset lifecycle. It only advances
// forward; failed is terminal.
type RecordingStatus string

const (
	RecordingNone       RecordingStatus = "none"
	RecordingActive     RecordingStatus = "recording"
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
)

func (r RecordingStatus) rank() int {
	switch r {
	case RecordingNone:
		return 0
	case RecordingActive:
		return 1
	case RecordingProcessing:
		return 2
	case RecordingReady:
		return 3
	case RecordingFailed:
		return 4
	default:
		return -1
	}
}

// Valid reports whether the recording status is a known state.
func (r RecordingStatus) Valid() bool {
	return r.rank() >= 0
}

// CanAdvance reports whether moving to next is a forward transition. Failed
// is terminal and cannot be left.
func (r RecordingStatus) CanAdvance(next RecordingStatus) bool {
	if !r.Valid() || !next.Valid() {
		return false
	}
	if r == RecordingFailed {
		return false
	}
	return next.rank() > r.rank()
}

// Session is the aggregate root mutated by the lifecycle manager and the
// webhook reconciliation engine. The Version field is an optimistic
// concurrency token bumped on every update by the backing store.
type Session struct {
	ID      string        `json:"id"`
	OwnerID string        `json:"ownerId"`
	Title   string        `json:"title,omitempty"`
	Status  SessionStatus `json:"status"`

	RoomName               string `json:"roomName,omitempty"`
	RoomID                 string `json:"roomId,omitempty"`
	DistributionEndpointID string `json:"distributionEndpointId,omitempty"`
	PlaybackID             string `json:"playbackId,omitempty"`
	EgressJobID            string `json:"egressJobId,omitempty"`

	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`

	RecordingStatus RecordingStatus `json:"recordingStatus"`
	AssetID         string          `json:"assetId,omitempty"`
	PlaybackRef     string          `json:"playbackRef,omitempty"`

	ViewerCount int `json:"viewerCount"`

	EndpointConnected      bool       `json:"endpointConnected"`
	EndpointConnectedAt    *time.Time `json:"endpointConnectedAt,omitempty"`
	EndpointDisconnectedAt *time.Time `json:"endpointDisconnectedAt,omitempty"`

	StatusChangedAt    time.Time `json:"statusChangedAt"`
	RecordingChangedAt time.Time `json:"recordingChangedAt"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Version            int64     `json:"version"`
}

// Initialized reports whether both external resources have been provisioned.
func (s Session) Initialized() bool {
	return s.RoomName != "" && s.DistributionEndpointID != ""
}

// HasEgressJob reports whether a restream job id is currently recorded.
func (s Session) HasEgressJob() bool {
	return s.EgressJobID != ""
}
