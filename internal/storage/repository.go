// Package storage provides the session record store backing the lifecycle
// manager and the webhook reconciliation engine. Two implementations exist:
// an in-memory store with optional JSON snapshots for development, and a
// Postgres-backed store for production. Both bump a per-record version on
// every write and support conditional updates against an expected version,
// which the reconciliation engine relies on to serialize its transitions.
package storage

import (
	"context"
	"errors"
	"time"

	"stagecast/internal/models"
)

// ErrSessionNotFound is returned when no session exists for the given id.
var ErrSessionNotFound = errors.New("session not found")

// ErrVersionConflict is returned when a conditional update observes a
// version other than the expected one. Callers re-read and retry.
var ErrVersionConflict = errors.New("session version conflict")

// CreateSessionParams carries the fields supplied at session creation.
type CreateSessionParams struct {
	OwnerID string
	Title   string
}

// SessionUpdate applies a partial mutation to a session record. Nil pointer
// fields are left untouched. ClearEgressJobID removes the recorded job id;
// it wins over EgressJobID when both are set.
type SessionUpdate struct {
	Status                 *models.SessionStatus
	RoomName               *string
	RoomID                 *string
	DistributionEndpointID *string
	PlaybackID             *string
	EgressJobID            *string
	ClearEgressJobID       bool
	StartedAt              *time.Time
	EndedAt                *time.Time
	DurationSeconds        *int
	RecordingStatus        *models.RecordingStatus
	AssetID                *string
	PlaybackRef            *string
	ViewerCount            *int
	EndpointConnected      *bool
	EndpointConnectedAt    *time.Time
	EndpointDisconnectedAt *time.Time
	StatusChangedAt        *time.Time
	RecordingChangedAt     *time.Time
}

// Repository exposes the datastore operations required by the lifecycle
// manager, the reconciliation engine, and the HTTP handlers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateSession(params CreateSessionParams) (models.Session, error)
	GetSession(id string) (models.Session, bool)
	FindSessionByRoom(roomName string) (models.Session, bool)
	FindSessionByEndpoint(endpointID string) (models.Session, bool)
	FindSessionByAsset(assetID string) (models.Session, bool)
	ListSessions() []models.Session
	ListLiveSessions() []models.Session

	// UpdateSession applies the partial update. When expectedVersion is
	// positive the write only succeeds if the stored version matches,
	// otherwise ErrVersionConflict is returned.
	UpdateSession(id string, update SessionUpdate, expectedVersion int64) (models.Session, error)
	DeleteSession(id string) error
}

func applyUpdate(session *models.Session, update SessionUpdate, now time.Time) {
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.RoomName != nil {
		session.RoomName = *update.RoomName
	}
	if update.RoomID != nil {
		session.RoomID = *update.RoomID
	}
	if update.DistributionEndpointID != nil {
		session.DistributionEndpointID = *update.DistributionEndpointID
	}
	if update.PlaybackID != nil {
		session.PlaybackID = *update.PlaybackID
	}
	if update.ClearEgressJobID {
		session.EgressJobID = ""
	} else if update.EgressJobID != nil {
		session.EgressJobID = *update.EgressJobID
	}
	if update.StartedAt != nil {
		session.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		session.EndedAt = update.EndedAt
	}
	if update.DurationSeconds != nil {
		session.DurationSeconds = *update.DurationSeconds
	}
	if update.RecordingStatus != nil {
		session.RecordingStatus = *update.RecordingStatus
	}
	if update.AssetID != nil {
		session.AssetID = *update.AssetID
	}
	if update.PlaybackRef != nil {
		session.PlaybackRef = *update.PlaybackRef
	}
	if update.ViewerCount != nil {
		session.ViewerCount = *update.ViewerCount
	}
	if session.ViewerCount < 0 {
		session.ViewerCount = 0
	}
	if update.EndpointConnected != nil {
		session.EndpointConnected = *update.EndpointConnected
	}
	if update.EndpointConnectedAt != nil {
		session.EndpointConnectedAt = update.EndpointConnectedAt
	}
	if update.EndpointDisconnectedAt != nil {
		session.EndpointDisconnectedAt = update.EndpointDisconnectedAt
	}
	if update.StatusChangedAt != nil {
		session.StatusChangedAt = *update.StatusChangedAt
	}
	if update.RecordingChangedAt != nil {
		session.RecordingChangedAt = *update.RecordingChangedAt
	}
	session.UpdatedAt = now
	session.Version++
}
