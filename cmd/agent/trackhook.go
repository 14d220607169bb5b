package main

import (
	"context"
	"encoding/json"
	"net/http"

	"stagecast/internal/monitor"
)

type trackEvent struct {
	Kind      string `json:"kind"`
	Published bool   `json:"published"`
}

// trackHookHandler accepts track publish/unpublish notifications from the
// local capture pipeline and feeds them to the watcher, which decides
// whether the monitor should take an urgent look.
func trackHookHandler(watcher *monitor.TrackWatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var event trackEvent
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&event); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if event.Kind == "" {
			http.Error(w, "track kind is required", http.StatusBadRequest)
			return
		}
		// Detach from the request context so a closed connection does not
		// cancel the triggered health check.
		ctx := context.WithoutCancel(r.Context())
		if event.Published {
			watcher.TrackPublished(ctx, event.Kind)
		} else {
			watcher.TrackUnpublished(ctx, event.Kind)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
