package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stagecast/internal/models"
)

type dataset struct {
	Sessions map[string]models.Session `json:"sessions"`
}

// Store is the in-memory session repository. When constructed with a file
// path it persists a JSON snapshot of the dataset after every mutation,
// which keeps development setups restartable without a database.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// StoreOption mutates store configuration.
type StoreOption func(*Store)

// WithClock overrides the store's time source. Intended for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore opens (or creates) a store. An empty filePath disables snapshot
// persistence.
func NewStore(filePath string, opts ...StoreOption) (*Store, error) {
	store := &Store{
		filePath: filePath,
		data:     dataset{Sessions: make(map[string]models.Session)},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if filePath != "" {
		if err := store.load(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot dataset
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode session snapshot: %w", err)
	}
	if snapshot.Sessions != nil {
		s.data = snapshot
	}
	return nil
}

func (s *Store) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Ping reports the store as reachable; the in-memory store has no backing
// dependency to probe.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) CreateSession(params CreateSessionParams) (models.Session, error) {
	if params.OwnerID == "" {
		return models.Session{}, errors.New("owner id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := newSessionID()
	if err != nil {
		return models.Session{}, err
	}
	now := s.now()
	session := models.Session{
		ID:                 id,
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
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		delete(s.data.Sessions, id)
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) GetSession(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	return session, ok
}

func (s *Store) FindSessionByRoom(roomName string) (models.Session, bool) {
	if roomName == "" {
		return models.Session{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.Sessions {
		if session.RoomName == roomName {
			return session, true
		}
	}
	return models.Session{}, false
}

func (s *Store) FindSessionByEndpoint(endpointID string) (models.Session, bool) {
	if endpointID == "" {
		return models.Session{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.Sessions {
		if session.DistributionEndpointID == endpointID {
			return session, true
		}
	}
	return models.Session{}, false
}

func (s *Store) FindSessionByAsset(assetID string) (models.Session, bool) {
	if assetID == "" {
		return models.Session{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.Sessions {
		if session.AssetID == assetID {
			return session, true
		}
	}
	return models.Session{}, false
}

func (s *Store) ListSessions() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func (s *Store) ListLiveSessions() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live []models.Session
	for _, session := range s.data.Sessions {
		if session.Status == models.StatusLive {
			live = append(live, session)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	return live
}

func (s *Store) UpdateSession(id string, update SessionUpdate, expectedVersion int64) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if expectedVersion > 0 && session.Version != expectedVersion {
		return models.Session{}, ErrVersionConflict
	}

	previous := session
	applyUpdate(&session, update, s.now())
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.data.Sessions, id)
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = session
		return err
	}
	return nil
}

var _ Repository = (*Store)(nil)
