package monitor

import (
	"context"
	"log/slog"
	"sync"
)

// Track kinds the watcher distinguishes.
const (
	TrackVideo = "video"
	TrackAudio = "audio"
)

// Checker is the slice of the Monitor the watcher drives.
type Checker interface {
	Trigger(ctx context.Context, reason string)
}

// TrackWatcher turns the local publisher's track publish/unpublish
// transitions into urgent health checks. A track change is the most common
// cause of a silent composite failure downstream, so it short-circuits the
// periodic poll.
type TrackWatcher struct {
	checker Checker
	logger  *slog.Logger

	mu        sync.Mutex
	published map[string]bool
}

// NewTrackWatcher constructs a watcher feeding the given checker.
func NewTrackWatcher(checker Checker, logger *slog.Logger) *TrackWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackWatcher{
		checker:   checker,
		logger:    logger.With("component", "trackwatcher"),
		published: make(map[string]bool),
	}
}

// TrackPublished records a newly published track and triggers a check.
// Re-announcing an already published track is a no-op.
func (w *TrackWatcher) TrackPublished(ctx context.Context, kind string) {
	w.transition(ctx, kind, true)
}

// TrackUnpublished records a removed track and triggers a check.
func (w *TrackWatcher) TrackUnpublished(ctx context.Context, kind string) {
	w.transition(ctx, kind, false)
}

// Published reports whether a track of the given kind is currently live.
func (w *TrackWatcher) Published(kind string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.published[kind]
}

func (w *TrackWatcher) transition(ctx context.Context, kind string, published bool) {
	if kind != TrackVideo && kind != TrackAudio {
		w.logger.Debug("ignoring track of unknown kind", "kind", kind)
		return
	}
	w.mu.Lock()
	if w.published[kind] == published {
		w.mu.Unlock()
		return
	}
	w.published[kind] = published
	w.mu.Unlock()

	reason := kind + "-published"
	if !published {
		reason = kind + "-unpublished"
	}
	w.checker.Trigger(ctx, reason)
}
