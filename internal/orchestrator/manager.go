// Package orchestrator implements the session lifecycle manager: the
// serialized compound operations that provision rooms and distribution
// endpoints, start and stop restream jobs, and keep the at-most-one-active-
// egress invariant while webhooks and the optimizer act on the same session.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"stagecast/internal/egress"
	"stagecast/internal/mediaroom"
	"stagecast/internal/models"
	"stagecast/internal/observability/metrics"
	"stagecast/internal/storage"
	"stagecast/internal/timerutil"
)

const (
	defaultMaxRoomParticipants = 50
	defaultRoomDeleteGrace     = 30 * time.Second
	defaultIdleThreshold       = 2 * time.Minute
	defaultStopAttempts        = 3
	defaultStopBackoff         = time.Second
	defaultRestartCooldown     = 10 * time.Second
	defaultPlaybackURLFormat   = "https://playback.stagecast.dev/%s/index.m3u8"
	defaultTargetURLFormat     = "rtmps://distribute.stagecast.dev/live/%s"

	timerRoomDelete = "room-delete"
)

// Outcomes reported by StartEgress and OptimizeEgress.
const (
	OutcomeStarted           = "started"
	OutcomeAlreadyActive     = "already_active"
	OutcomeWaitingForViewers = "waiting_for_viewers"
	OutcomeStoppedIdle       = "stopped_idle"
	OutcomeNone              = "none"
)

// Config wires the lifecycle manager's dependencies and tuning knobs. Zero
// values fall back to production defaults.
type Config struct {
	Store   storage.Repository
	Rooms   mediaroom.Client
	Egress  egress.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	MaxRoomParticipants int
	RoomDeleteGrace     time.Duration
	IdleThreshold       time.Duration
	StopAttempts        int
	StopBackoff         time.Duration
	RestartCooldown     time.Duration

	// PlaybackURLFormat and TargetURLFormat are fmt verbs filled with the
	// playback id and distribution endpoint id respectively.
	PlaybackURLFormat string
	TargetURLFormat   string
	Layout            string

	Timers *timerutil.Registry
	Now    func() time.Time
}

// Manager owns all compound session mutations. Operations on the same
// session are serialized through a per-session mutex; field-level updates
// from the reconciliation engine go through version-guarded store writes
// instead, so the two never clobber each other.
type Manager struct {
	store   storage.Repository
	rooms   mediaroom.Client
	egress  egress.Client
	logger  *slog.Logger
	metrics *metrics.Recorder

	maxRoomParticipants int
	roomDeleteGrace     time.Duration
	idleThreshold       time.Duration
	stopAttempts        int
	stopBackoff         time.Duration
	restartCooldown     time.Duration
	playbackURLFormat   string
	targetURLFormat     string
	layout              string

	locks  *sessionLocks
	timers *timerutil.Registry
	flight singleflight.Group
	now    func() time.Time
	sleep  func(time.Duration)

	hookMu sync.Mutex
	onStop []func(sessionID string)

	restartMu   sync.Mutex
	lastRestart map[string]time.Time
}

// New constructs a Manager from the supplied configuration.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	m := &Manager{
		store:               cfg.Store,
		rooms:               cfg.Rooms,
		egress:              cfg.Egress,
		logger:              logger.With("component", "orchestrator"),
		metrics:             recorder,
		maxRoomParticipants: cfg.MaxRoomParticipants,
		roomDeleteGrace:     cfg.RoomDeleteGrace,
		idleThreshold:       cfg.IdleThreshold,
		stopAttempts:        cfg.StopAttempts,
		stopBackoff:         cfg.StopBackoff,
		restartCooldown:     cfg.RestartCooldown,
		lastRestart:         make(map[string]time.Time),
		playbackURLFormat:   cfg.PlaybackURLFormat,
		targetURLFormat:     cfg.TargetURLFormat,
		layout:              cfg.Layout,
		locks:               newSessionLocks(),
		timers:              cfg.Timers,
		now:                 cfg.Now,
		sleep:               time.Sleep,
	}
	if m.maxRoomParticipants <= 0 {
		m.maxRoomParticipants = defaultMaxRoomParticipants
	}
	if m.roomDeleteGrace <= 0 {
		m.roomDeleteGrace = defaultRoomDeleteGrace
	}
	if m.idleThreshold <= 0 {
		m.idleThreshold = defaultIdleThreshold
	}
	if m.stopAttempts <= 0 {
		m.stopAttempts = defaultStopAttempts
	}
	if m.stopBackoff <= 0 {
		m.stopBackoff = defaultStopBackoff
	}
	if m.restartCooldown <= 0 {
		m.restartCooldown = defaultRestartCooldown
	}
	if m.playbackURLFormat == "" {
		m.playbackURLFormat = defaultPlaybackURLFormat
	}
	if m.targetURLFormat == "" {
		m.targetURLFormat = defaultTargetURLFormat
	}
	if m.layout == "" {
		m.layout = egress.DefaultLayout
	}
	if m.timers == nil {
		m.timers = timerutil.NewRegistry(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// OnStop registers a hook invoked whenever a broadcast is stopped, before
// the store is updated. The reconciliation engine uses it to drop any
// reconnect window still armed for the session.
func (m *Manager) OnStop(fn func(sessionID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onStop = append(m.onStop, fn)
}

// SessionHandle is returned by InitializeSession: the provisioned record
// plus the credentials the host needs to go on air.
type SessionHandle struct {
	Session        models.Session `json:"session"`
	PublisherToken string         `json:"publisherToken"`
	PlaybackURL    string         `json:"playbackUrl"`
}

// StartOptions tunes StartEgress.
type StartOptions struct {
	// WaitForViewers defers the restream job until at least one subscriber
	// is present. The session still goes live.
	WaitForViewers bool
	Layout         string
}

// EgressResult reports what StartEgress did.
type EgressResult struct {
	Outcome string         `json:"outcome"`
	JobID   string         `json:"jobId,omitempty"`
	Session models.Session `json:"session"`
}

// StopResult reports the final accounting of a stopped broadcast.
type StopResult struct {
	Session         models.Session `json:"session"`
	DurationSeconds int            `json:"durationSeconds"`
}

// InitializeSession provisions the media room and distribution endpoint for
// a session and issues the host's publisher token. It is idempotent: calling
// it again for an initialized session re-issues the token without touching
// the providers. On partial failure every resource created in this call is
// rolled back before the error is returned.
func (m *Manager) InitializeSession(ctx context.Context, sessionID, callerID string) (SessionHandle, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return SessionHandle{}, ErrNotFound
	}
	if session.OwnerID != callerID {
		return SessionHandle{}, ErrForbidden
	}
	if session.Status == models.StatusEnded {
		return SessionHandle{}, ErrSessionEnded
	}

	if !session.Initialized() {
		roomName := "session-" + session.ID
		room, err := m.rooms.CreateRoom(ctx, roomName, m.maxRoomParticipants)
		if err != nil {
			return SessionHandle{}, dependencyErr("create room", err)
		}

		endpoint, err := m.egress.CreateEndpoint(ctx, roomName)
		if err != nil {
			m.rollbackRoom(roomName)
			return SessionHandle{}, dependencyErr("create distribution endpoint", err)
		}

		session, err = m.store.UpdateSession(sessionID, storage.SessionUpdate{
			RoomName:               &room.Name,
			RoomID:                 &room.ID,
			DistributionEndpointID: &endpoint.ID,
			PlaybackID:             &endpoint.PlaybackID,
		}, 0)
		if err != nil {
			m.rollbackEndpoint(endpoint.ID)
			m.rollbackRoom(roomName)
			return SessionHandle{}, fmt.Errorf("persist provisioned resources: %w", err)
		}
		m.logger.Info("session initialized",
			"sessionId", session.ID,
			"roomName", room.Name,
			"endpointId", endpoint.ID)
	}

	token, err := m.rooms.IssueToken(ctx, session.RoomName, session.OwnerID, true, true)
	if err != nil {
		return SessionHandle{}, dependencyErr("issue publisher token", err)
	}
	return SessionHandle{
		Session:        session,
		PublisherToken: token,
		PlaybackURL:    fmt.Sprintf(m.playbackURLFormat, session.PlaybackID),
	}, nil
}

// StartEgress promotes the session to live and starts the restream job
// unless one is already running or viewers are being waited on. Concurrent
// calls for the same session serialize on the session lock, so at most one
// job is ever created.
func (m *Manager) StartEgress(ctx context.Context, sessionID string, opts StartOptions) (EgressResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return EgressResult{}, ErrNotFound
	}
	return m.startEgressLocked(ctx, session, opts)
}

// startEgressLocked assumes the caller holds the session lock.
func (m *Manager) startEgressLocked(ctx context.Context, session models.Session, opts StartOptions) (EgressResult, error) {
	if session.Status == models.StatusEnded {
		return EgressResult{}, ErrSessionEnded
	}
	if !session.Initialized() {
		return EgressResult{}, ErrNotInitialized
	}

	if session.HasEgressJob() {
		if m.jobStillActive(ctx, session) {
			session, _ = m.promoteToLive(session)
			return EgressResult{Outcome: OutcomeAlreadyActive, JobID: session.EgressJobID, Session: session}, nil
		}
		// the recorded job is gone; drop the stale id and start fresh
		cleared, err := m.store.UpdateSession(session.ID, storage.SessionUpdate{ClearEgressJobID: true}, 0)
		if err != nil {
			return EgressResult{}, fmt.Errorf("clear stale egress job: %w", err)
		}
		session = cleared
	}

	participants, err := m.rooms.ListParticipants(ctx, session.RoomName)
	if err != nil {
		return EgressResult{}, dependencyErr("list participants", err)
	}
	_, subscribers := mediaroom.CountRoles(participants)

	if opts.WaitForViewers && subscribers == 0 {
		session, err = m.promoteToLive(session)
		if err != nil {
			return EgressResult{}, err
		}
		m.logger.Info("egress deferred until first viewer", "sessionId", session.ID)
		return EgressResult{Outcome: OutcomeWaitingForViewers, Session: session}, nil
	}

	layout := opts.Layout
	if layout == "" {
		layout = m.layout
	}
	preset := egress.PresetFor(mediaroom.PublisherQuality(participants), layout)
	target := fmt.Sprintf(m.targetURLFormat, session.DistributionEndpointID)
	job, err := m.egress.StartRestream(ctx, session.RoomName, target, preset)
	if err != nil {
		m.metrics.EgressStartFailed()
		return EgressResult{}, dependencyErr("start restream", err)
	}

	update := storage.SessionUpdate{EgressJobID: &job.ID}
	m.fillLivePromotion(session, &update)
	updated, err := m.store.UpdateSession(session.ID, update, 0)
	if err != nil {
		// best effort: don't leave an unrecorded job running
		if stopErr := m.egress.StopRestream(context.Background(), job.ID); stopErr != nil {
			m.logger.Error("failed to stop unrecorded restream job",
				"sessionId", session.ID, "jobId", job.ID, "error", stopErr)
		}
		return EgressResult{}, fmt.Errorf("persist egress job: %w", err)
	}
	if session.Status != models.StatusLive {
		m.metrics.SessionWentLive()
	}
	m.metrics.EgressStarted()
	m.logger.Info("egress started",
		"sessionId", updated.ID, "jobId", job.ID,
		"bitrate", preset.Bitrate, "resolution", preset.Resolution)
	return EgressResult{Outcome: OutcomeStarted, JobID: job.ID, Session: updated}, nil
}

// StopBroadcast ends a live session: pending timers and reconnect windows
// are cancelled, the restream job is stopped with bounded retries, and the
// record moves to its terminal state. A restream job that refuses to stop is
// logged and abandoned rather than blocking the transition.
func (m *Manager) StopBroadcast(ctx context.Context, sessionID string) (StopResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return StopResult{}, ErrNotFound
	}
	if session.Status != models.StatusLive {
		return StopResult{}, ErrNoActiveBroadcast
	}

	m.timers.CancelAll(sessionID)
	m.runStopHooks(sessionID)

	if session.HasEgressJob() {
		if err := m.stopRestreamWithRetry(ctx, session.EgressJobID); err != nil {
			m.logger.Error("abandoning restream job after failed stop attempts",
				"sessionId", sessionID, "jobId", session.EgressJobID, "error", err)
		} else {
			m.metrics.EgressStopped()
		}
	}

	now := m.now().UTC()
	duration := 0
	if session.StartedAt != nil {
		duration = int(now.Sub(*session.StartedAt) / time.Second)
		if duration < 0 {
			duration = 0
		}
	}
	ended := models.StatusEnded
	update := storage.SessionUpdate{
		Status:           &ended,
		EndedAt:          &now,
		DurationSeconds:  &duration,
		ClearEgressJobID: true,
		StatusChangedAt:  &now,
	}
	// every stop hands the recording pipeline off to processing; only a
	// recording that already delivered or failed keeps its status
	if session.RecordingStatus.CanAdvance(models.RecordingProcessing) {
		processing := models.RecordingProcessing
		update.RecordingStatus = &processing
		update.RecordingChangedAt = &now
	}
	updated, err := m.store.UpdateSession(sessionID, update, 0)
	if err != nil {
		return StopResult{}, fmt.Errorf("persist ended session: %w", err)
	}
	m.metrics.SessionEnded()

	roomName := session.RoomName
	if roomName != "" {
		m.timers.Schedule(sessionID, timerRoomDelete, m.roomDeleteGrace, func() {
			m.deleteRoomDeferred(sessionID, roomName)
		})
	}
	m.logger.Info("broadcast stopped", "sessionId", sessionID, "durationSeconds", duration)
	return StopResult{Session: updated, DurationSeconds: duration}, nil
}

// OptimizeEgress reconciles the restream job with current room occupancy:
// jobs running with no viewers past the idle threshold are stopped, and a
// live session with viewers but no job gets one started. Explicit host
// actions always win; this only ever touches the job, never the session's
// lifecycle status.
func (m *Manager) OptimizeEgress(ctx context.Context, sessionID string) (string, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return OutcomeNone, ErrNotFound
	}
	if session.Status != models.StatusLive {
		return OutcomeNone, nil
	}

	participants, err := m.rooms.ListParticipants(ctx, session.RoomName)
	if err != nil {
		return OutcomeNone, dependencyErr("list participants", err)
	}
	publishers, subscribers := mediaroom.CountRoles(participants)

	if session.HasEgressJob() && subscribers == 0 && m.idleLongEnough(session) {
		if err := m.egress.StopRestream(ctx, session.EgressJobID); err != nil {
			return OutcomeNone, dependencyErr("stop idle restream", err)
		}
		if _, err := m.store.UpdateSession(sessionID, storage.SessionUpdate{ClearEgressJobID: true}, 0); err != nil {
			return OutcomeNone, fmt.Errorf("clear idle egress job: %w", err)
		}
		m.metrics.EgressStopped()
		m.logger.Info("stopped idle egress", "sessionId", sessionID)
		return OutcomeStoppedIdle, nil
	}

	if !session.HasEgressJob() && subscribers > 0 && publishers > 0 {
		result, err := m.startEgressLocked(ctx, session, StartOptions{})
		if err != nil {
			return OutcomeNone, err
		}
		return result.Outcome, nil
	}
	return OutcomeNone, nil
}

// RestartEgress force-stops any recorded job and starts a fresh one. It is
// the operator recovery path behind the restart endpoint; it skips the
// already-active check because the caller has decided the current job is
// bad.
func (m *Manager) RestartEgress(ctx context.Context, sessionID string) (EgressResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return EgressResult{}, ErrNotFound
	}
	if session.Status != models.StatusLive {
		return EgressResult{}, ErrNoActiveBroadcast
	}
	if err := m.markRestart(sessionID); err != nil {
		return EgressResult{}, err
	}
	if session.HasEgressJob() {
		if err := m.egress.StopRestream(ctx, session.EgressJobID); err != nil {
			m.logger.Warn("restart: failed to stop current job, continuing",
				"sessionId", sessionID, "jobId", session.EgressJobID, "error", err)
		}
		cleared, err := m.store.UpdateSession(sessionID, storage.SessionUpdate{ClearEgressJobID: true}, 0)
		if err != nil {
			return EgressResult{}, fmt.Errorf("clear job before restart: %w", err)
		}
		session = cleared
	}
	return m.startEgressLocked(ctx, session, StartOptions{})
}

// markRestart records a restart attempt and rejects it when the previous
// one for the session is still inside the cooldown window.
func (m *Manager) markRestart(sessionID string) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	now := m.now()
	if last, ok := m.lastRestart[sessionID]; ok && now.Sub(last) < m.restartCooldown {
		return ErrRestartThrottled
	}
	m.lastRestart[sessionID] = now
	return nil
}

// DebugInfo returns the room service's status view for the session.
func (m *Manager) DebugInfo(ctx context.Context, sessionID string) (mediaroom.DebugInfo, error) {
	session, ok := m.store.GetSession(sessionID)
	if !ok {
		return mediaroom.DebugInfo{}, ErrNotFound
	}
	if !session.Initialized() {
		return mediaroom.DebugInfo{}, ErrNotInitialized
	}
	info, err := m.rooms.RoomDebugInfo(ctx, session.RoomName)
	if err != nil {
		return mediaroom.DebugInfo{}, dependencyErr("room debug info", err)
	}
	return info, nil
}

// jobStillActive verifies the recorded job against the distribution service.
// Concurrent verifications for the same room collapse into one upstream
// call. A verification failure counts as active: the invariant at stake is
// at-most-one job, so uncertainty must not spawn a second one.
func (m *Manager) jobStillActive(ctx context.Context, session models.Session) bool {
	v, err, _ := m.flight.Do("verify:"+session.RoomName, func() (any, error) {
		return m.egress.ListActive(ctx, session.RoomName)
	})
	if err != nil {
		m.logger.Warn("egress verification failed, assuming job still active",
			"sessionId", session.ID, "jobId", session.EgressJobID, "error", err)
		return true
	}
	jobs := v.([]egress.Job)
	for _, job := range jobs {
		if job.ID == session.EgressJobID && job.Active() {
			return true
		}
	}
	return false
}

func (m *Manager) idleLongEnough(session models.Session) bool {
	if session.ViewerCount > 0 {
		return false
	}
	since := session.StartedAt
	if session.EndpointConnectedAt != nil && session.EndpointConnectedAt.After(deref(since)) {
		since = session.EndpointConnectedAt
	}
	if since == nil {
		return false
	}
	return m.now().Sub(*since) >= m.idleThreshold
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// promoteToLive advances a created session to live, leaving live sessions
// untouched.
func (m *Manager) promoteToLive(session models.Session) (models.Session, error) {
	var update storage.SessionUpdate
	if !m.fillLivePromotion(session, &update) {
		return session, nil
	}
	updated, err := m.store.UpdateSession(session.ID, update, 0)
	if err != nil {
		return session, fmt.Errorf("promote session to live: %w", err)
	}
	m.metrics.SessionWentLive()
	return updated, nil
}

func (m *Manager) fillLivePromotion(session models.Session, update *storage.SessionUpdate) bool {
	if session.Status != models.StatusCreated {
		return false
	}
	now := m.now().UTC()
	live := models.StatusLive
	update.Status = &live
	update.StatusChangedAt = &now
	if session.StartedAt == nil {
		update.StartedAt = &now
	}
	return true
}

func (m *Manager) stopRestreamWithRetry(ctx context.Context, jobID string) error {
	backoff := m.stopBackoff
	var lastErr error
	for attempt := 1; attempt <= m.stopAttempts; attempt++ {
		lastErr = m.egress.StopRestream(ctx, jobID)
		if lastErr == nil {
			return nil
		}
		if attempt < m.stopAttempts {
			m.logger.Warn("restream stop failed, retrying",
				"jobId", jobID, "attempt", attempt, "error", lastErr)
			m.sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

func (m *Manager) runStopHooks(sessionID string) {
	m.hookMu.Lock()
	hooks := make([]func(string), len(m.onStop))
	copy(hooks, m.onStop)
	m.hookMu.Unlock()
	for _, hook := range hooks {
		hook(sessionID)
	}
}

func (m *Manager) deleteRoomDeferred(sessionID, roomName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.rooms.DeleteRoom(ctx, roomName); err != nil {
		m.logger.Error("deferred room deletion failed",
			"sessionId", sessionID, "roomName", roomName, "error", err)
		return
	}
	m.logger.Info("room deleted", "sessionId", sessionID, "roomName", roomName)
}

func (m *Manager) rollbackRoom(roomName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.rooms.DeleteRoom(ctx, roomName); err != nil {
		m.logger.Error("rollback: delete room failed", "roomName", roomName, "error", err)
	}
}

func (m *Manager) rollbackEndpoint(endpointID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.egress.DeleteEndpoint(ctx, endpointID); err != nil {
		m.logger.Error("rollback: delete endpoint failed", "endpointId", endpointID, "error", err)
	}
}
