package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stagecast/internal/mediaroom"
	"stagecast/internal/models"
	"stagecast/internal/observability/metrics"
	"stagecast/internal/orchestrator"
	"stagecast/internal/storage"
	"stagecast/internal/timerutil"
)

const (
	defaultReconnectWindow = 60 * time.Second
	defaultReconnectGrace  = 10 * time.Second
	defaultWorkers         = 4

	timerReconnect = "reconnect-window"
)

// Lifecycle is the slice of the lifecycle manager the engine drives.
// Anything that starts or stops a broadcast goes through it so the
// per-session serialization and the at-most-one-job invariant hold no matter
// which side initiated the change.
type Lifecycle interface {
	StartEgress(ctx context.Context, sessionID string, opts orchestrator.StartOptions) (orchestrator.EgressResult, error)
	StopBroadcast(ctx context.Context, sessionID string) (orchestrator.StopResult, error)
	OptimizeEgress(ctx context.Context, sessionID string) (string, error)
}

// Config wires the engine's dependencies and reconnect tuning.
type Config struct {
	Store     storage.Repository
	Lifecycle Lifecycle
	Rooms     mediaroom.Client
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Timers    *timerutil.Registry

	// ReconnectWindow is the default period a disconnected endpoint is
	// given to come back before the broadcast is ended; Grace absorbs
	// webhook delivery latency on top of it.
	ReconnectWindow time.Duration
	ReconnectGrace  time.Duration

	// Workers is the number of goroutines Run drains the queue with. A
	// slow handler then only stalls its own session; cross-session safety
	// comes from the lifecycle manager's per-session locks and the
	// version-guarded store writes.
	Workers int

	Now func() time.Time
}

// Engine converges session records with webhook deliveries. Every state
// transition goes through a version-guarded store write or a lifecycle
// manager call, so duplicates and out-of-order deliveries cannot regress a
// session.
type Engine struct {
	store     storage.Repository
	lifecycle Lifecycle
	rooms     mediaroom.Client
	logger    *slog.Logger
	metrics   *metrics.Recorder
	timers    *timerutil.Registry

	reconnectWindow time.Duration
	reconnectGrace  time.Duration
	workers         int
	now             func() time.Time

	mu      sync.Mutex
	retried map[string]bool
}

// New constructs an Engine from the supplied configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	e := &Engine{
		store:           cfg.Store,
		lifecycle:       cfg.Lifecycle,
		rooms:           cfg.Rooms,
		logger:          logger.With("component", "reconcile"),
		metrics:         recorder,
		timers:          cfg.Timers,
		reconnectWindow: cfg.ReconnectWindow,
		reconnectGrace:  cfg.ReconnectGrace,
		workers:         cfg.Workers,
		now:             cfg.Now,
		retried:         make(map[string]bool),
	}
	if e.timers == nil {
		e.timers = timerutil.NewRegistry(nil)
	}
	if e.reconnectWindow <= 0 {
		e.reconnectWindow = defaultReconnectWindow
	}
	if e.reconnectGrace <= 0 {
		e.reconnectGrace = defaultReconnectGrace
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// CancelPendingWork drops any reconnect window armed for the session. Wire
// it to the lifecycle manager's stop hook so an explicit host stop always
// wins over delayed webhook reactions.
func (e *Engine) CancelPendingWork(sessionID string) {
	e.timers.Cancel(sessionID, timerReconnect)
	e.mu.Lock()
	delete(e.retried, sessionID)
	e.mu.Unlock()
}

// Run drains the queue with a pool of workers until the context is
// cancelled. Envelopes for different sessions reconcile in parallel;
// same-session envelopes may interleave across workers, which the
// timestamp guards and version-checked writes absorb.
func (e *Engine) Run(ctx context.Context, queue Queue) error {
	sub := queue.Subscribe()
	defer sub.Close()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case envelope, ok := <-sub.Envelopes():
					if !ok {
						return nil
					}
					e.dispatch(ctx, envelope)
					envelope.ack()
				}
			}
		})
	}
	return g.Wait()
}

func (e *Engine) dispatch(ctx context.Context, envelope Envelope) {
	switch envelope.Source {
	case SourceRoom:
		event, err := models.ParseRoomEvent(envelope.Payload)
		if err != nil {
			e.metrics.ObserveWebhookEvent(SourceRoom, "invalid")
			e.logger.Error("discarding undecodable room event", "error", err)
			return
		}
		if err := e.HandleRoomEvent(ctx, event); err != nil {
			e.logger.Error("room event reconciliation failed",
				"kind", models.EventKind(event), "roomName", event.Room(), "error", err)
		}
	case SourceDistribution:
		event, err := models.ParseDistributionEvent(envelope.Payload)
		if err != nil {
			e.metrics.ObserveWebhookEvent(SourceDistribution, "invalid")
			e.logger.Error("discarding undecodable distribution event", "error", err)
			return
		}
		if err := e.HandleDistributionEvent(ctx, event); err != nil {
			e.logger.Error("distribution event reconciliation failed",
				"kind", models.EventKind(event), "endpointId", event.Endpoint(), "error", err)
		}
	default:
		e.logger.Error("discarding envelope with unknown source", "source", envelope.Source)
	}
}

// HandleRoomEvent applies one media-room webhook. Events for rooms without a
// session are ignored: the room may already be deleted, or the delivery may
// predate provisioning.
func (e *Engine) HandleRoomEvent(ctx context.Context, event models.RoomEvent) error {
	session, ok := e.store.FindSessionByRoom(event.Room())
	if !ok {
		e.logger.Debug("room event for unknown room", "roomName", event.Room())
		return nil
	}
	e.metrics.ObserveWebhookEvent(SourceRoom, models.EventKind(event))

	switch ev := event.(type) {
	case *models.RoomStarted:
		_, err := e.applyGuarded(session.ID, func(current models.Session) (storage.SessionUpdate, bool) {
			if current.RoomID != "" || ev.RoomID == "" {
				return storage.SessionUpdate{}, false
			}
			return storage.SessionUpdate{RoomID: &ev.RoomID}, true
		})
		return err

	case *models.RoomFinished:
		if ev.OccurredAt().Before(session.StatusChangedAt) {
			e.logger.Debug("ignoring stale room.finished", "sessionId", session.ID)
			return nil
		}
		return e.stopBroadcast(ctx, session.ID, "room finished")

	case *models.ParticipantJoined:
		if ev.CanPublish {
			// the host arrived; a created session goes live with the
			// egress deferred until someone is watching
			if session.Status == models.StatusCreated {
				if _, err := e.lifecycle.StartEgress(ctx, session.ID, orchestrator.StartOptions{WaitForViewers: true}); err != nil {
					return fmt.Errorf("go live on publisher join: %w", err)
				}
			}
			return nil
		}
		if err := e.refreshViewerCount(ctx, session); err != nil {
			return err
		}
		if _, err := e.lifecycle.OptimizeEgress(ctx, session.ID); err != nil {
			return fmt.Errorf("optimize after viewer join: %w", err)
		}
		return nil

	case *models.ParticipantLeft:
		if ev.CanPublish {
			return e.handlePublisherLeft(ctx, session)
		}
		if err := e.refreshViewerCount(ctx, session); err != nil {
			return err
		}
		if _, err := e.lifecycle.OptimizeEgress(ctx, session.ID); err != nil {
			return fmt.Errorf("optimize after viewer leave: %w", err)
		}
		return nil

	case *models.TrackPublished:
		// a publisher's track appearing on a jobless live session is the
		// cheapest recovery signal there is
		if ev.CanPublish && session.Status == models.StatusLive && !session.HasEgressJob() {
			if _, err := e.lifecycle.StartEgress(ctx, session.ID, orchestrator.StartOptions{}); err != nil {
				return fmt.Errorf("start egress on track publish: %w", err)
			}
		}
		return nil

	case *models.RoomEgressStarted:
		e.mu.Lock()
		delete(e.retried, session.ID)
		e.mu.Unlock()
		_, err := e.applyGuarded(session.ID, func(current models.Session) (storage.SessionUpdate, bool) {
			if current.EgressJobID == ev.EgressID || ev.EgressID == "" {
				return storage.SessionUpdate{}, false
			}
			if current.HasEgressJob() {
				e.logger.Warn("egress.started reports a different job than recorded",
					"sessionId", current.ID, "recorded", current.EgressJobID, "reported", ev.EgressID)
				return storage.SessionUpdate{}, false
			}
			return storage.SessionUpdate{EgressJobID: &ev.EgressID}, true
		})
		return err

	case *models.RoomEgressEnded:
		return e.handleEgressEnded(ctx, session, ev)

	default:
		e.logger.Warn("unhandled room event", "kind", models.EventKind(event))
		return nil
	}
}

// handlePublisherLeft ends the broadcast once the room has no publishing
// participant left. The listing is re-checked against the room service
// because co-hosted sessions survive any single publisher leaving.
func (e *Engine) handlePublisherLeft(ctx context.Context, session models.Session) error {
	if session.Status != models.StatusLive {
		return nil
	}
	participants, err := e.rooms.ListParticipants(ctx, session.RoomName)
	if err != nil {
		return fmt.Errorf("list participants after publisher left: %w", err)
	}
	publishers, _ := mediaroom.CountRoles(participants)
	if publishers > 0 {
		return nil
	}
	return e.stopBroadcast(ctx, session.ID, "last publisher left")
}

func (e *Engine) handleEgressEnded(ctx context.Context, session models.Session, ev *models.RoomEgressEnded) error {
	if _, err := e.applyGuarded(session.ID, func(current models.Session) (storage.SessionUpdate, bool) {
		if current.EgressJobID != ev.EgressID {
			return storage.SessionUpdate{}, false
		}
		return storage.SessionUpdate{ClearEgressJobID: true}, true
	}); err != nil {
		return err
	}
	if ev.ErrorMessage == "" {
		return nil
	}

	current, ok := e.store.GetSession(session.ID)
	if !ok || current.Status != models.StatusLive {
		return nil
	}
	e.mu.Lock()
	alreadyRetried := e.retried[session.ID]
	if !alreadyRetried {
		e.retried[session.ID] = true
	}
	e.mu.Unlock()
	if alreadyRetried {
		// one immediate retry per incident; repeated failures are the
		// health monitor's problem
		e.logger.Warn("egress failed again after retry, leaving to monitor",
			"sessionId", session.ID, "error", ev.ErrorMessage)
		return nil
	}
	e.logger.Info("egress ended with error, retrying once",
		"sessionId", session.ID, "error", ev.ErrorMessage)
	if _, err := e.lifecycle.StartEgress(ctx, session.ID, orchestrator.StartOptions{}); err != nil {
		return fmt.Errorf("retry egress after failure: %w", err)
	}
	return nil
}

// HandleDistributionEvent applies one distribution webhook.
func (e *Engine) HandleDistributionEvent(ctx context.Context, event models.DistributionEvent) error {
	session, ok := e.store.FindSessionByEndpoint(event.Endpoint())
	if !ok {
		e.logger.Debug("distribution event for unknown endpoint", "endpointId", event.Endpoint())
		return nil
	}
	e.metrics.ObserveWebhookEvent(SourceDistribution, models.EventKind(event))

	switch ev := event.(type) {
	case *models.EndpointConnected:
		if staleEndpointEvent(session, ev.OccurredAt()) {
			e.logger.Debug("ignoring stale endpoint.connected", "sessionId", session.ID)
			return nil
		}
		e.timers.Cancel(session.ID, timerReconnect)
		at := ev.OccurredAt()
		connected := true
		_, err := e.store.UpdateSession(session.ID, storage.SessionUpdate{
			EndpointConnected:   &connected,
			EndpointConnectedAt: &at,
		}, 0)
		return err

	case *models.EndpointDisconnected:
		if staleEndpointEvent(session, ev.OccurredAt()) {
			e.logger.Debug("ignoring stale endpoint.disconnected", "sessionId", session.ID)
			return nil
		}
		at := ev.OccurredAt()
		connected := false
		if _, err := e.store.UpdateSession(session.ID, storage.SessionUpdate{
			EndpointConnected:      &connected,
			EndpointDisconnectedAt: &at,
		}, 0); err != nil {
			return err
		}
		if session.Status != models.StatusLive {
			return nil
		}
		window := e.reconnectWindow
		if ev.ReconnectWindowSeconds > 0 {
			window = time.Duration(ev.ReconnectWindowSeconds) * time.Second
		}
		sessionID := session.ID
		e.timers.Schedule(sessionID, timerReconnect, window+e.reconnectGrace, func() {
			e.expireReconnectWindow(sessionID)
		})
		e.logger.Info("endpoint disconnected, reconnect window armed",
			"sessionId", sessionID, "window", window)
		return nil

	case *models.EndpointIdle:
		if session.Status != models.StatusLive {
			return nil
		}
		if _, err := e.lifecycle.OptimizeEgress(ctx, session.ID); err != nil {
			return fmt.Errorf("optimize after endpoint idle: %w", err)
		}
		return nil

	case *models.RecordingStarted:
		return e.advanceRecording(session.ID, ev.OccurredAt(), ev.AssetID, models.RecordingActive, func(update *storage.SessionUpdate) {
			if ev.AssetID != "" {
				update.AssetID = &ev.AssetID
			}
		})

	case *models.AssetReady:
		return e.advanceRecording(session.ID, ev.OccurredAt(), ev.AssetID, models.RecordingReady, func(update *storage.SessionUpdate) {
			if ev.AssetID != "" {
				update.AssetID = &ev.AssetID
			}
			if ev.PlaybackRef != "" {
				update.PlaybackRef = &ev.PlaybackRef
			}
			if ev.DurationSeconds > 0 {
				// the processed asset's duration is authoritative over
				// the wall-clock figure computed at stop time
				update.DurationSeconds = &ev.DurationSeconds
			}
		})

	case *models.AssetErrored:
		return e.advanceRecording(session.ID, ev.OccurredAt(), ev.AssetID, models.RecordingFailed, nil)

	default:
		e.logger.Warn("unhandled distribution event", "kind", models.EventKind(event))
		return nil
	}
}

// advanceRecording moves the recording status forward if the event is fresh,
// refers to the session's recorded asset, and the transition is allowed;
// anything else is a duplicate or a straggler and is dropped.
func (e *Engine) advanceRecording(sessionID string, at time.Time, assetID string, next models.RecordingStatus, fill func(*storage.SessionUpdate)) error {
	_, err := e.applyGuarded(sessionID, func(current models.Session) (storage.SessionUpdate, bool) {
		if at.Before(current.RecordingChangedAt) {
			return storage.SessionUpdate{}, false
		}
		if current.AssetID != "" && assetID != "" && current.AssetID != assetID {
			e.logger.Warn("recording event for a different asset",
				"sessionId", current.ID, "recorded", current.AssetID, "reported", assetID)
			return storage.SessionUpdate{}, false
		}
		if next == models.RecordingFailed && current.RecordingStatus == models.RecordingReady {
			// a delivered asset is never demoted to failed
			return storage.SessionUpdate{}, false
		}
		if !current.RecordingStatus.CanAdvance(next) {
			return storage.SessionUpdate{}, false
		}
		update := storage.SessionUpdate{
			RecordingStatus:    &next,
			RecordingChangedAt: &at,
		}
		if fill != nil {
			fill(&update)
		}
		return update, true
	})
	return err
}

// refreshViewerCount recomputes the stored viewer count from the room
// service's current listing instead of trusting per-event deltas, so a
// redelivered participant event converges to the same count.
func (e *Engine) refreshViewerCount(ctx context.Context, session models.Session) error {
	participants, err := e.rooms.ListParticipants(ctx, session.RoomName)
	if err != nil {
		return fmt.Errorf("list participants for viewer count: %w", err)
	}
	_, subscribers := mediaroom.CountRoles(participants)
	_, err = e.applyGuarded(session.ID, func(current models.Session) (storage.SessionUpdate, bool) {
		if current.ViewerCount == subscribers {
			return storage.SessionUpdate{}, false
		}
		count := subscribers
		return storage.SessionUpdate{ViewerCount: &count}, true
	})
	return err
}

func (e *Engine) expireReconnectWindow(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	current, ok := e.store.GetSession(sessionID)
	if !ok {
		return
	}
	if current.Status != models.StatusLive || current.EndpointConnected {
		return
	}
	e.logger.Info("reconnect window expired, ending broadcast", "sessionId", sessionID)
	if err := e.stopBroadcast(ctx, sessionID, "reconnect window expired"); err != nil {
		e.logger.Error("failed to end broadcast after reconnect window",
			"sessionId", sessionID, "error", err)
	}
}

func (e *Engine) stopBroadcast(ctx context.Context, sessionID, reason string) error {
	_, err := e.lifecycle.StopBroadcast(ctx, sessionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoActiveBroadcast) || errors.Is(err, orchestrator.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("stop broadcast (%s): %w", reason, err)
	}
	return nil
}

// applyGuarded is the engine's write primitive: read, decide, write with the
// observed version, retry on conflict. The build callback returns false to
// skip the write entirely.
func (e *Engine) applyGuarded(sessionID string, build func(models.Session) (storage.SessionUpdate, bool)) (models.Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		current, ok := e.store.GetSession(sessionID)
		if !ok {
			return models.Session{}, storage.ErrSessionNotFound
		}
		update, apply := build(current)
		if !apply {
			return current, nil
		}
		updated, err := e.store.UpdateSession(sessionID, update, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return models.Session{}, err
		}
	}
	return models.Session{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrVersionConflict)
}

func staleEndpointEvent(session models.Session, at time.Time) bool {
	var latest time.Time
	if session.EndpointConnectedAt != nil {
		latest = *session.EndpointConnectedAt
	}
	if session.EndpointDisconnectedAt != nil && session.EndpointDisconnectedAt.After(latest) {
		latest = *session.EndpointDisconnectedAt
	}
	return !latest.IsZero() && at.Before(latest)
}
