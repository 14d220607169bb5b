package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stagecast/internal/httpretry"
	"stagecast/internal/mediaroom"
	"stagecast/internal/monitor"
)

// controlClient talks to the orchestrator's session API on behalf of the
// monitor loop.
type controlClient struct {
	baseURL   string
	sessionID string
	apiKey    string
	client    *http.Client
	logger    *slog.Logger
	attempts  int
	interval  time.Duration
}

func newControlClient(baseURL, sessionID, apiKey string, logger *slog.Logger, attempts int, interval time.Duration) (*controlClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if attempts <= 0 {
		attempts = 3
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &controlClient{
		baseURL:   baseURL,
		sessionID: sessionID,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
		attempts:  attempts,
		interval:  interval,
	}, nil
}

func (c *controlClient) options() httpretry.Options {
	return httpretry.Options{
		Client:      c.client,
		Logger:      c.logger,
		MaxAttempts: c.attempts,
		Interval:    c.interval,
		Mutate: func(req *http.Request) {
			httpretry.SetBearer(req, c.apiKey)
		},
	}
}

func (c *controlClient) sessionURL(suffix string) string {
	return fmt.Sprintf("%s/api/sessions/%s%s", c.baseURL, url.PathEscape(c.sessionID), suffix)
}

// Snapshot fetches the session's room debug view and projects it onto the
// monitor's health snapshot.
func (c *controlClient) Snapshot(ctx context.Context) (monitor.Snapshot, error) {
	var info mediaroom.DebugInfo
	if err := httpretry.GetJSON(ctx, c.sessionURL("/debug"), &info, c.options()); err != nil {
		return monitor.Snapshot{}, fmt.Errorf("fetch debug info: %w", err)
	}
	return monitor.SnapshotFromDebug(info), nil
}

// RestartEgress asks the orchestrator to replace the session's restream job.
func (c *controlClient) RestartEgress(ctx context.Context) error {
	if err := httpretry.PostJSON(ctx, c.sessionURL("/egress/restart"), struct{}{}, nil, c.options()); err != nil {
		return fmt.Errorf("restart egress: %w", err)
	}
	return nil
}
