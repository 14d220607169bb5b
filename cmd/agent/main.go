// Command agent runs the publisher-side egress health monitor for one live
// session. It polls the orchestrator's debug endpoint, restarts the restream
// job through the control API when the distribution service falls off the
// room, and exposes a local endpoint for track publish notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stagecast/internal/monitor"
	"stagecast/internal/observability/logging"
	"stagecast/internal/observability/metrics"
	"stagecast/internal/serverutil"
)

func main() {
	serverURL := flag.String("server-url", "", "base URL of the orchestrator API")
	apiKey := flag.String("api-key", "", "bearer API key for the orchestrator")
	sessionID := flag.String("session-id", "", "session to monitor")
	pollInterval := flag.Duration("poll-interval", 0, "interval between health polls")
	trackHookAddr := flag.String("track-hook-addr", "", "local listen address for track notifications (empty disables)")
	retryAttempts := flag.Int("retry-attempts", 0, "HTTP retry attempts against the orchestrator")
	retryInterval := flag.Duration("retry-interval", 0, "base delay between orchestrator retries")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("STAGECAST_LOG_LEVEL"))})
	recorder := metrics.Default()

	client, err := newControlClient(
		firstNonEmpty(*serverURL, os.Getenv("STAGECAST_SERVER_URL")),
		firstNonEmpty(*sessionID, os.Getenv("STAGECAST_SESSION_ID")),
		firstNonEmpty(*apiKey, os.Getenv("STAGECAST_API_KEY")),
		logging.WithComponent(logger, "control-client"),
		*retryAttempts,
		*retryInterval,
	)
	if err != nil {
		logger.Error("invalid agent configuration", "error", err)
		os.Exit(1)
	}

	mon := monitor.New(monitor.Config{
		SessionID:    client.sessionID,
		Poll:         client.Snapshot,
		Restart:      client.RestartEgress,
		Logger:       logger,
		Metrics:      recorder,
		PollInterval: resolvePollInterval(*pollInterval),
	})
	watcher := monitor.NewTrackWatcher(mon, logging.WithComponent(logger, "track-watcher"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hookErr := make(chan error, 1)
	if addr := firstNonEmpty(*trackHookAddr, os.Getenv("STAGECAST_TRACK_HOOK_ADDR")); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/tracks", trackHookHandler(watcher))
		go func() {
			err := serverutil.Run(ctx, serverutil.Options{
				Server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
			})
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				hookErr <- err
			}
		}()
		logger.Info("track hook listening", "addr", addr)
	}

	logger.Info("monitoring session", "session_id", client.sessionID, "server", client.baseURL)
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case err := <-hookErr:
		logger.Error("track hook server failed", "error", err)
		stop()
	}

	<-done
	logger.Info("agent stopped", "session_id", client.sessionID)
}

func resolvePollInterval(flagValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv("STAGECAST_POLL_INTERVAL"); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
