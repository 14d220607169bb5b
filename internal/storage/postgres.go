package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stagecast/internal/models"
)

// PostgresConfig controls the Postgres-backed session repository.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// sessions schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    room_name TEXT NOT NULL DEFAULT '',
    room_id TEXT NOT NULL DEFAULT '',
    distribution_endpoint_id TEXT NOT NULL DEFAULT '',
    playback_id TEXT NOT NULL DEFAULT '',
    egress_job_id TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    recording_status TEXT NOT NULL,
    asset_id TEXT NOT NULL DEFAULT '',
    playback_ref TEXT NOT NULL DEFAULT '',
    viewer_count INTEGER NOT NULL DEFAULT 0,
    endpoint_connected BOOLEAN NOT NULL DEFAULT FALSE,
    endpoint_connected_at TIMESTAMPTZ,
    endpoint_disconnected_at TIMESTAMPTZ,
    status_changed_at TIMESTAMPTZ NOT NULL,
    recording_changed_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS sessions_room_name_idx ON sessions (room_name) WHERE room_name <> '';
CREATE INDEX IF NOT EXISTS sessions_endpoint_idx ON sessions (distribution_endpoint_id) WHERE distribution_endpoint_id <> '';
CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status);
`

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("ensure sessions schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (r *postgresRepository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const sessionColumns = `id, owner_id, title, status, room_name, room_id,
distribution_endpoint_id, playback_id, egress_job_id, started_at, ended_at,
duration_seconds, recording_status, asset_id, playback_ref, viewer_count,
endpoint_connected, endpoint_connected_at, endpoint_disconnected_at,
status_changed_at, recording_changed_at, created_at, updated_at, version`

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	var status, recording string
	err := row.Scan(
		&session.ID, &session.OwnerID, &session.Title, &status,
		&session.RoomName, &session.RoomID,
		&session.DistributionEndpointID, &session.PlaybackID, &session.EgressJobID,
		&session.StartedAt, &session.EndedAt, &session.DurationSeconds,
		&recording, &session.AssetID, &session.PlaybackRef, &session.ViewerCount,
		&session.EndpointConnected, &session.EndpointConnectedAt, &session.EndpointDisconnectedAt,
		&session.StatusChangedAt, &session.RecordingChangedAt,
		&session.CreatedAt, &session.UpdatedAt, &session.Version,
	)
	if err != nil {
		return models.Session{}, err
	}
	session.Status = models.SessionStatus(status)
	session.RecordingStatus = models.RecordingStatus(recording)
	return session, nil
}

func (r *postgresRepository) CreateSession(params CreateSessionParams) (models.Session, error) {
	if params.OwnerID == "" {
		return models.Session{}, errors.New("owner id is required")
	}
	now := r.now()
	session := models.Session{
		OwnerID:            params.OwnerID,
		Title:              params.Title,
		Status:             models.StatusCreated,
		RecordingStatus:    models.RecordingNone,
		StatusChangedAt:    now,
		RecordingChangedAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	id, err := newSessionID()
	if err != nil {
		return models.Session{}, err
	}
	session.ID = id

	_, err = r.pool.Exec(context.Background(), `
INSERT INTO sessions (id, owner_id, title, status, recording_status,
    status_changed_at, recording_changed_at, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		session.ID, session.OwnerID, session.Title,
		string(session.Status), string(session.RecordingStatus),
		session.StatusChangedAt, session.RecordingChangedAt,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) getSessionWhere(clause string, args ...any) (models.Session, bool) {
	row := r.pool.QueryRow(context.Background(),
		fmt.Sprintf("SELECT %s FROM sessions WHERE %s", sessionColumns, clause), args...)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (r *postgresRepository) GetSession(id string) (models.Session, bool) {
	return r.getSessionWhere("id = $1", id)
}

func (r *postgresRepository) FindSessionByRoom(roomName string) (models.Session, bool) {
	if roomName == "" {
		return models.Session{}, false
	}
	return r.getSessionWhere("room_name = $1", roomName)
}

func (r *postgresRepository) FindSessionByEndpoint(endpointID string) (models.Session, bool) {
	if endpointID == "" {
		return models.Session{}, false
	}
	return r.getSessionWhere("distribution_endpoint_id = $1", endpointID)
}

func (r *postgresRepository) FindSessionByAsset(assetID string) (models.Session, bool) {
	if assetID == "" {
		return models.Session{}, false
	}
	return r.getSessionWhere("asset_id = $1", assetID)
}

func (r *postgresRepository) listSessionsWhere(clause string, args ...any) []models.Session {
	query := fmt.Sprintf("SELECT %s FROM sessions", sessionColumns)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY created_at"

	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return sessions
		}
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *postgresRepository) ListSessions() []models.Session {
	return r.listSessionsWhere("")
}

func (r *postgresRepository) ListLiveSessions() []models.Session {
	return r.listSessionsWhere("status = $1", string(models.StatusLive))
}

func (r *postgresRepository) UpdateSession(id string, update SessionUpdate, expectedVersion int64) (models.Session, error) {
	ctx := context.Background()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("begin session update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM sessions WHERE id = $1 FOR UPDATE", sessionColumns), id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if expectedVersion > 0 && session.Version != expectedVersion {
		return models.Session{}, ErrVersionConflict
	}

	applyUpdate(&session, update, r.now())

	tag, err := tx.Exec(ctx, `
UPDATE sessions SET
    status = $2, room_name = $3, room_id = $4,
    distribution_endpoint_id = $5, playback_id = $6, egress_job_id = $7,
    started_at = $8, ended_at = $9, duration_seconds = $10,
    recording_status = $11, asset_id = $12, playback_ref = $13,
    viewer_count = $14, endpoint_connected = $15,
    endpoint_connected_at = $16, endpoint_disconnected_at = $17,
    status_changed_at = $18, recording_changed_at = $19,
    updated_at = $20, version = $21
WHERE id = $1 AND version = $22`,
		session.ID,
		string(session.Status), session.RoomName, session.RoomID,
		session.DistributionEndpointID, session.PlaybackID, session.EgressJobID,
		session.StartedAt, session.EndedAt, session.DurationSeconds,
		string(session.RecordingStatus), session.AssetID, session.PlaybackRef,
		session.ViewerCount, session.EndpointConnected,
		session.EndpointConnectedAt, session.EndpointDisconnectedAt,
		session.StatusChangedAt, session.RecordingChangedAt,
		session.UpdatedAt, session.Version,
		session.Version-1,
	)
	if err != nil {
		return models.Session{}, fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Session{}, ErrVersionConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit session update: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) DeleteSession(id string) error {
	tag, err := r.pool.Exec(context.Background(), "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
