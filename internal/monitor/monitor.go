// Package monitor implements the client-side egress health loop: it watches
// a live session's room debug view and drives bounded restarts through the
// lifecycle manager's control API when the distribution service falls off
// the room.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stagecast/internal/observability/metrics"
	"stagecast/internal/timerutil"
)

// State is the monitor's position in its per-session state machine.
type State string

const (
	StateIdle         State = "idle"
	StateMonitoring   State = "monitoring"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	defaultPollInterval      = 10 * time.Second
	defaultRestartDelay      = 2 * time.Second
	defaultTrackRestartDelay = 1500 * time.Millisecond
	defaultSettleTime        = 3 * time.Second

	timerRestart = "scheduled-restart"
)

// ErrRestartInFlight is returned when a restart is requested while one is
// already scheduled or running.
var ErrRestartInFlight = errors.New("restart already in flight")

// ErrRestartBudgetExceeded is returned when the rolling restart budget is
// exhausted.
var ErrRestartBudgetExceeded = errors.New("restart budget exceeded")

// Snapshot is one observation of the room taken from its debug view.
type Snapshot struct {
	DistributionAttached bool
	PublisherHasVideo    bool
	PublisherHasAudio    bool
}

// Unhealthy reports whether the snapshot calls for a restart: the publisher
// is sending media but the distribution service is not in the room to
// receive it. A room with no live tracks is not unhealthy, it is simply
// quiet.
func (s Snapshot) Unhealthy() bool {
	return !s.DistributionAttached && (s.PublisherHasVideo || s.PublisherHasAudio)
}

// RuntimeStatus is the monitor's ephemeral view of one session. It is a
// liveness cache, never the source of truth for the recorded job id.
type RuntimeStatus struct {
	State         State      `json:"state"`
	IsConnected   bool       `json:"isConnected"`
	RestartCount  int        `json:"restartCount"`
	LastRestartAt *time.Time `json:"lastRestartAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Budget caps restart attempts within a rolling cooldown window.
type Budget struct {
	Max      int
	Cooldown time.Duration
}

// DefaultBudget allows three restarts, resetting once five minutes pass
// without one.
var DefaultBudget = Budget{Max: 3, Cooldown: 5 * time.Minute}

// effectiveCount applies the rolling reset: a count older than the cooldown
// no longer counts against the budget.
func (b Budget) effectiveCount(status RuntimeStatus, now time.Time) int {
	if status.LastRestartAt == nil {
		return 0
	}
	if now.Sub(*status.LastRestartAt) > b.Cooldown {
		return 0
	}
	return status.RestartCount
}

// Action is a decision produced by Decide.
type Action int

const (
	ActionNone Action = iota
	ActionRestart
	ActionFail
)

// Decide is the monitor's pure decision core: given one snapshot and the
// current runtime status, what should happen. All scheduling and I/O lives
// outside it.
func Decide(snapshot Snapshot, status RuntimeStatus, budget Budget, now time.Time) Action {
	if status.State == StateReconnecting || status.State == StateFailed {
		return ActionNone
	}
	if !snapshot.Unhealthy() {
		return ActionNone
	}
	if budget.effectiveCount(status, now) >= budget.Max {
		return ActionFail
	}
	return ActionRestart
}

// PollFunc fetches a health snapshot for the monitored session.
type PollFunc func(ctx context.Context) (Snapshot, error)

// RestartFunc requests an egress (re)start through the lifecycle manager.
type RestartFunc func(ctx context.Context) error

// Config wires one session's monitor.
type Config struct {
	SessionID string
	Poll      PollFunc
	Restart   RestartFunc
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	PollInterval      time.Duration
	RestartDelay      time.Duration
	TrackRestartDelay time.Duration
	SettleTime        time.Duration
	Budget            Budget

	Timers *timerutil.Registry
	Now    func() time.Time
}

// Monitor runs the health loop for a single live session.
type Monitor struct {
	sessionID string
	poll      PollFunc
	restart   RestartFunc
	logger    *slog.Logger
	metrics   *metrics.Recorder

	pollInterval      time.Duration
	restartDelay      time.Duration
	trackRestartDelay time.Duration
	settleTime        time.Duration
	budget            Budget

	timers *timerutil.Registry
	now    func() time.Time
	sleep  func(time.Duration)

	mu     sync.Mutex
	status RuntimeStatus
}

// New constructs a Monitor. The session starts in the idle state until Run
// observes its first snapshot.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	m := &Monitor{
		sessionID:         cfg.SessionID,
		poll:              cfg.Poll,
		restart:           cfg.Restart,
		logger:            logger.With("component", "monitor", "sessionId", cfg.SessionID),
		metrics:           recorder,
		pollInterval:      cfg.PollInterval,
		restartDelay:      cfg.RestartDelay,
		trackRestartDelay: cfg.TrackRestartDelay,
		settleTime:        cfg.SettleTime,
		budget:            cfg.Budget,
		timers:            cfg.Timers,
		now:               cfg.Now,
		sleep:             time.Sleep,
		status:            RuntimeStatus{State: StateIdle},
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	if m.restartDelay <= 0 {
		m.restartDelay = defaultRestartDelay
	}
	if m.trackRestartDelay <= 0 {
		m.trackRestartDelay = defaultTrackRestartDelay
	}
	if m.settleTime <= 0 {
		m.settleTime = defaultSettleTime
	}
	if m.budget.Max <= 0 {
		m.budget = DefaultBudget
	}
	if m.timers == nil {
		m.timers = timerutil.NewRegistry(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Status returns a copy of the current runtime status.
func (m *Monitor) Status() RuntimeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run polls on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	m.Check(ctx, false)
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx, false)
		}
	}
}

// Check performs one observe-decide cycle. Track-event triggers pass
// urgent=true, which shortens the restart delay: a track change is a more
// certain failure signal than a missed poll.
func (m *Monitor) Check(ctx context.Context, urgent bool) {
	snapshot, err := m.poll(ctx)
	if err != nil {
		m.mu.Lock()
		m.status.LastError = err.Error()
		m.mu.Unlock()
		m.logger.Warn("health poll failed", "error", err)
		return
	}
	m.observe(snapshot, urgent)
}

// Trigger is the track watcher's entry point: re-check immediately with the
// urgent restart delay.
func (m *Monitor) Trigger(ctx context.Context, reason string) {
	m.logger.Info("health check triggered", "reason", reason)
	m.Check(ctx, true)
}

func (m *Monitor) observe(snapshot Snapshot, urgent bool) {
	m.mu.Lock()
	now := m.now()
	if m.status.State == StateIdle {
		m.status.State = StateMonitoring
	}
	// the failed state parks the monitor only until the budget window
	// rolls over
	if m.status.State == StateFailed && m.budget.effectiveCount(m.status, now) == 0 {
		m.status.State = StateMonitoring
		m.status.RestartCount = 0
		m.status.LastError = ""
	}
	action := Decide(snapshot, m.status, m.budget, now)
	switch action {
	case ActionNone:
		if snapshot.Unhealthy() {
			m.mu.Unlock()
			return
		}
		if m.status.State == StateReconnecting {
			m.mu.Unlock()
			// health returned on its own; drop the scheduled restart if
			// it has not fired yet
			if m.timers.Cancel(m.sessionID, timerRestart) {
				m.mu.Lock()
				m.status.State = StateMonitoring
				m.status.IsConnected = snapshot.DistributionAttached
				m.status.LastError = ""
				m.mu.Unlock()
				m.logger.Info("egress recovered before scheduled restart")
			}
			return
		}
		if m.status.State == StateMonitoring {
			m.status.IsConnected = snapshot.DistributionAttached
			m.status.LastError = ""
			if m.budget.effectiveCount(m.status, now) == 0 {
				m.status.RestartCount = 0
			}
		}
		m.mu.Unlock()
	case ActionRestart:
		m.status.State = StateReconnecting
		m.status.IsConnected = false
		delay := m.restartDelay
		if urgent {
			delay = m.trackRestartDelay
		}
		m.mu.Unlock()
		m.logger.Info("egress unhealthy, restart scheduled", "delay", delay)
		m.timers.Schedule(m.sessionID, timerRestart, delay, func() {
			m.performRestart(context.Background())
		})
	case ActionFail:
		m.status.State = StateFailed
		m.status.IsConnected = false
		m.status.LastError = ErrRestartBudgetExceeded.Error()
		m.mu.Unlock()
		m.metrics.RestartScheduled("budget_exhausted")
		m.logger.Error("restart budget exhausted, monitor giving up")
	}
}

// ManualRestart is the operator path. It refuses while an automatic restart
// is in flight, except in the failed state, where it is the only way out;
// there it also resets the budget.
func (m *Monitor) ManualRestart(ctx context.Context) error {
	m.mu.Lock()
	switch m.status.State {
	case StateReconnecting:
		m.mu.Unlock()
		return ErrRestartInFlight
	case StateFailed:
		m.status.RestartCount = 0
		m.status.LastRestartAt = nil
	}
	m.status.State = StateReconnecting
	m.mu.Unlock()
	m.timers.Cancel(m.sessionID, timerRestart)
	m.metrics.RestartScheduled("manual")
	return m.performRestart(ctx)
}

func (m *Monitor) performRestart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	m.mu.Lock()
	now := m.now()
	if m.budget.effectiveCount(m.status, now) == 0 {
		m.status.RestartCount = 0
	}
	m.status.RestartCount++
	m.status.LastRestartAt = &now
	m.mu.Unlock()

	err := m.restart(ctx)
	if err != nil {
		m.mu.Lock()
		m.status.State = StateMonitoring
		m.status.LastError = err.Error()
		m.mu.Unlock()
		m.metrics.RestartScheduled("failed")
		m.logger.Error("egress restart failed", "error", err)
		return err
	}

	// give the restarted job a moment to attach before judging it
	m.sleep(m.settleTime)
	snapshot, pollErr := m.poll(ctx)
	m.mu.Lock()
	m.status.State = StateMonitoring
	switch {
	case pollErr != nil:
		m.status.LastError = pollErr.Error()
	case snapshot.Unhealthy():
		m.status.LastError = "egress still unhealthy after restart"
	default:
		m.status.IsConnected = snapshot.DistributionAttached
		m.status.LastError = ""
	}
	healthy := pollErr == nil && !snapshot.Unhealthy()
	m.mu.Unlock()

	if healthy {
		m.metrics.RestartScheduled("recovered")
		m.logger.Info("egress restart confirmed healthy")
	} else {
		m.metrics.RestartScheduled("unconfirmed")
		m.logger.Warn("egress restart did not confirm healthy", "pollError", pollErr)
	}
	return nil
}

// Shutdown cancels any scheduled restart and parks the monitor in idle.
func (m *Monitor) Shutdown() {
	m.timers.Cancel(m.sessionID, timerRestart)
	m.mu.Lock()
	m.status.State = StateIdle
	m.mu.Unlock()
}
