// Package api exposes the orchestrator's HTTP surface: session CRUD, the
// broadcast control operations, the webhook ingress endpoints, and the
// health view.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stagecast/internal/auth"
	"stagecast/internal/mediaroom"
	"stagecast/internal/models"
	"stagecast/internal/observability/metrics"
	"stagecast/internal/orchestrator"
	"stagecast/internal/reconcile"
	"stagecast/internal/storage"
)

// Orchestrator is the slice of the lifecycle manager the handlers call.
type Orchestrator interface {
	InitializeSession(ctx context.Context, sessionID, callerID string) (orchestrator.SessionHandle, error)
	StartEgress(ctx context.Context, sessionID string, opts orchestrator.StartOptions) (orchestrator.EgressResult, error)
	StopBroadcast(ctx context.Context, sessionID string) (orchestrator.StopResult, error)
	RestartEgress(ctx context.Context, sessionID string) (orchestrator.EgressResult, error)
	DebugInfo(ctx context.Context, sessionID string) (mediaroom.DebugInfo, error)
}

// Handler carries the handler dependencies. Fields are exported so wiring
// stays declarative in cmd/server.
type Handler struct {
	Store        storage.Repository
	Orchestrator Orchestrator
	Queue        reconcile.Queue
	Keyring      *auth.Keyring
	Logger       *slog.Logger
	Metrics      *metrics.Recorder

	// Webhook signing secrets, one per sender.
	RoomHookSecret         string
	DistributionHookSecret string

	Now func() time.Time
}

// NewHandler constructs a Handler with defaults filled in.
func NewHandler(store storage.Repository, orch Orchestrator) *Handler {
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Keyring:      auth.NewKeyring(),
		Logger:       slog.Default(),
		Metrics:      metrics.New(),
		Now:          time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// statusFromError maps the orchestrator error taxonomy onto HTTP statuses.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrSessionEnded),
		errors.Is(err, orchestrator.ErrNotInitialized),
		errors.Is(err, orchestrator.ErrNoActiveBroadcast):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrRestartThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// callerID authenticates the bearer token and returns the owning identity.
func (h *Handler) callerID(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", auth.ErrInvalidKey
	}
	return h.Keyring.Authenticate(strings.TrimSpace(token))
}

type createSessionRequest struct {
	Title string `json:"title"`
}

// Sessions handles the collection endpoints: create and list.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		session, err := h.Store.CreateSession(storage.CreateSessionParams{OwnerID: caller, Title: req.Title})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	case http.MethodGet:
		sessions := h.Store.ListSessions()
		owned := make([]models.Session, 0, len(sessions))
		for _, session := range sessions {
			if session.OwnerID == caller {
				owned = append(owned, session)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": owned})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// SessionByID dispatches the per-session endpoints:
//
//	GET  /api/sessions/{id}
//	POST /api/sessions/{id}/start
//	POST /api/sessions/{id}/stop
//	POST /api/sessions/{id}/egress/restart
//	GET  /api/sessions/{id}/debug
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("session id missing"))
		return
	}
	sessionID := parts[0]

	caller, err := h.callerID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	session, ok := h.Store.GetSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	if session.OwnerID != caller {
		writeError(w, http.StatusForbidden, orchestrator.ErrForbidden)
		return
	}

	action := strings.Join(parts[1:], "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, session)
	case action == "start" && r.Method == http.MethodPost:
		h.startBroadcast(w, r, sessionID, caller)
	case action == "stop" && r.Method == http.MethodPost:
		h.stopBroadcast(w, r, sessionID)
	case action == "egress/restart" && r.Method == http.MethodPost:
		h.restartEgress(w, r, sessionID)
	case action == "debug" && r.Method == http.MethodGet:
		h.debugInfo(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session action %q", action))
	}
}

type startRequest struct {
	WaitForViewers *bool  `json:"waitForViewers,omitempty"`
	Layout         string `json:"layout,omitempty"`
}

type startResponse struct {
	Session     models.Session `json:"session"`
	Outcome     string         `json:"outcome"`
	JobID       string         `json:"jobId,omitempty"`
	RoomName    string         `json:"roomName"`
	PlaybackURL string         `json:"playbackUrl"`
	Token       string         `json:"token"`
}

func (h *Handler) startBroadcast(w http.ResponseWriter, r *http.Request, sessionID, caller string) {
	req := startRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	// defer the job until viewers arrive unless the caller opts out
	waitForViewers := true
	if req.WaitForViewers != nil {
		waitForViewers = *req.WaitForViewers
	}

	handle, err := h.Orchestrator.InitializeSession(r.Context(), sessionID, caller)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	result, err := h.Orchestrator.StartEgress(r.Context(), sessionID, orchestrator.StartOptions{
		WaitForViewers: waitForViewers,
		Layout:         req.Layout,
	})
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		Session:     result.Session,
		Outcome:     result.Outcome,
		JobID:       result.JobID,
		RoomName:    result.Session.RoomName,
		PlaybackURL: handle.PlaybackURL,
		Token:       handle.PublisherToken,
	})
}

func (h *Handler) stopBroadcast(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := h.Orchestrator.StopBroadcast(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":         result.Session,
		"durationSeconds": result.DurationSeconds,
	})
}

func (h *Handler) restartEgress(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := h.Orchestrator.RestartEgress(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) debugInfo(w http.ResponseWriter, r *http.Request, sessionID string) {
	info, err := h.Orchestrator.DebugInfo(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health reports store reachability and the recorded dependency states.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	storeStatus := "ok"
	if err := h.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"store":  storeStatus,
	})
}
