package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"stagecast/internal/monitor"
)

type recordingChecker struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingChecker) Trigger(ctx context.Context, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recordingChecker) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestTrackHookFeedsWatcher(t *testing.T) {
	checker := &recordingChecker{}
	watcher := monitor.NewTrackWatcher(checker, nil)
	handler := trackHookHandler(watcher)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tracks", strings.NewReader(body))
		recorder := httptest.NewRecorder()
		handler(recorder, req)
		return recorder
	}

	if code := post(`{"kind":"video","published":true}`).Code; code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if code := post(`{"kind":"video","published":false}`).Code; code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}

	want := []string{"video-published", "video-unpublished"}
	got := checker.recorded()
	if len(got) != len(want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reasons[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTrackHookRejectsBadRequests(t *testing.T) {
	watcher := monitor.NewTrackWatcher(&recordingChecker{}, nil)
	handler := trackHookHandler(watcher)

	req := httptest.NewRequest(http.MethodGet, "/tracks", nil)
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", recorder.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/tracks", strings.NewReader(`{"published":true}`))
	recorder = httptest.NewRecorder()
	handler(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/tracks", strings.NewReader(`not json`))
	recorder = httptest.NewRecorder()
	handler(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}
