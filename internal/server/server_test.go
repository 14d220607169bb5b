package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stagecast/internal/api"
	"stagecast/internal/mediaroom"
	"stagecast/internal/orchestrator"
	"stagecast/internal/reconcile"
	"stagecast/internal/storage"
)

type stubOrchestrator struct{}

func (stubOrchestrator) InitializeSession(ctx context.Context, sessionID, callerID string) (orchestrator.SessionHandle, error) {
	return orchestrator.SessionHandle{}, nil
}

func (stubOrchestrator) StartEgress(ctx context.Context, sessionID string, opts orchestrator.StartOptions) (orchestrator.EgressResult, error) {
	return orchestrator.EgressResult{}, nil
}

func (stubOrchestrator) StopBroadcast(ctx context.Context, sessionID string) (orchestrator.StopResult, error) {
	return orchestrator.StopResult{}, nil
}

func (stubOrchestrator) RestartEgress(ctx context.Context, sessionID string) (orchestrator.EgressResult, error) {
	return orchestrator.EgressResult{}, nil
}

func (stubOrchestrator) DebugInfo(ctx context.Context, sessionID string) (mediaroom.DebugInfo, error) {
	return mediaroom.DebugInfo{}, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	store, err := storage.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	handler := api.NewHandler(store, stubOrchestrator{})
	handler.Queue = reconcile.NewMemoryQueue(8)
	handler.RoomHookSecret = "room-secret"
	handler.DistributionHookSecret = "dist-secret"
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func serveRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(recorder, req)
	return recorder
}

func TestServerRoutesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, Config{})

	recorder := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", recorder.Code)
	}

	recorder = serveRequest(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "stagecast_") {
		t.Fatalf("metrics body missing expected prefix: %s", recorder.Body.String())
	}
}

func TestServerRejectsUnauthenticatedAPI(t *testing.T) {
	srv := newTestServer(t, Config{})
	recorder := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestServerAttachesRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})

	recorder := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Header().Get("X-Request-Id") == "" {
		t.Fatal("generated request id missing from response")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-propagated")
	recorder = serveRequest(srv, req)
	if got := recorder.Header().Get("X-Request-Id"); got != "req-propagated" {
		t.Fatalf("request id = %q, want req-propagated", got)
	}
}

func TestGlobalRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	recorder := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", recorder.Code)
	}
	recorder = serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", recorder.Code)
	}
}

func TestHookRateLimitIsPerSender(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{HookLimit: 2, HookWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowHook("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowHook("10.0.0.1")
	if err != nil {
		t.Fatalf("AllowHook: %v", err)
	}
	if allowed {
		t.Fatal("third delivery should be limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v, want positive", retryAfter)
	}

	// A different sender has its own window.
	allowed, _, err = rl.AllowHook("10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("other sender: allowed=%v err=%v", allowed, err)
	}
}
