package httpretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestDoRetriesOn5xx verifies that a 500 response is treated as transient
// and retried until the server recovers.
func TestDoRetriesOn5xx(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "temporary", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var dest struct {
		OK bool `json:"ok"`
	}
	err := GetJSON(context.Background(), server.URL, &dest, Options{
		Client:      server.Client(),
		MaxAttempts: 3,
		Interval:    time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !dest.OK || attempts != 2 {
		t.Fatalf("got dest=%+v attempts=%d", dest, attempts)
	}
}

// TestDoDoesNotRetryOn4xx verifies that non-429 4xx responses are permanent.
func TestDoDoesNotRetryOn4xx(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer server.Close()

	err := Delete(context.Background(), server.URL, Options{
		Client:      server.Client(),
		MaxAttempts: 3,
		Interval:    time.Nanosecond,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected a 404 StatusError, got %v", err)
	}
}

// TestDoRetriesOn429 verifies that 429 is treated as transient.
func TestDoRetriesOn429(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := Do(context.Background(), http.MethodPost, server.URL, []byte(`{}`), nil, Options{
		Client:      server.Client(),
		MaxAttempts: 3,
		Interval:    time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoSetsAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := Do(context.Background(), http.MethodGet, server.URL, nil, nil, Options{
		Client: server.Client(),
		Mutate: func(req *http.Request) { SetBearer(req, "token") },
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}
