package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"stagecast/internal/models"
	"stagecast/internal/reconcile"
)

const (
	// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
	signatureHeader = "X-Stagecast-Signature"
	maxHookBody     = 1 << 20
)

// RoomHook ingests webhook deliveries from the media room provider.
func (h *Handler) RoomHook(w http.ResponseWriter, r *http.Request) {
	h.acceptHook(w, r, reconcile.SourceRoom, h.RoomHookSecret, func(body []byte) error {
		_, err := models.ParseRoomEvent(body)
		return err
	})
}

// DistributionHook ingests webhook deliveries from the distribution provider.
func (h *Handler) DistributionHook(w http.ResponseWriter, r *http.Request) {
	h.acceptHook(w, r, reconcile.SourceDistribution, h.DistributionHookSecret, func(body []byte) error {
		_, err := models.ParseDistributionEvent(body)
		return err
	})
}

// acceptHook verifies the delivery signature, checks the payload parses, and
// enqueues it for the reconciliation workers. Processing happens off the
// request path so provider retries see a fast 202.
func (h *Handler) acceptHook(w http.ResponseWriter, r *http.Request, source, secret string, validate func([]byte) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if len(body) > maxHookBody {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
		return
	}
	if !verifySignature(secret, body, r.Header.Get(signatureHeader)) {
		h.Metrics.ObserveWebhookEvent(source, "rejected_signature")
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}
	if err := validate(body); err != nil {
		h.Metrics.ObserveWebhookEvent(source, "rejected_malformed")
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	envelope := reconcile.Envelope{Source: source, Payload: body, ReceivedAt: h.Now()}
	if err := h.Queue.Publish(r.Context(), envelope); err != nil {
		h.Logger.Error("enqueue webhook", "source", source, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("queue unavailable"))
		return
	}
	h.Metrics.ObserveWebhookEvent(source, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
