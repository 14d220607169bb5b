// Package httpretry implements the bounded-retry HTTP request helpers shared
// by the media-room and egress control clients. Transient failures
// (transport errors, 5xx responses, 429) are retried up to a configured
// attempt count; any other 4xx response is treated as permanent.
package httpretry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StatusError carries the HTTP status of a non-2xx control-API response so
// callers can distinguish missing resources from transient failures.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// IsNotFound reports whether the error is a 404 control-API response.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Options configures a retrying request.
type Options struct {
	Client      *http.Client
	Logger      *slog.Logger
	MaxAttempts int
	Interval    time.Duration
	// Mutate runs on each constructed request, typically to set auth headers.
	Mutate func(*http.Request)
}

// PostJSON issues a POST with a JSON body, decoding a 2xx response into dest
// when dest is non-nil.
func PostJSON(ctx context.Context, url string, payload, dest interface{}, opts Options) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return Do(ctx, http.MethodPost, url, body, dest, opts)
}

// GetJSON issues a GET, decoding a 2xx response into dest.
func GetJSON(ctx context.Context, url string, dest interface{}, opts Options) error {
	return Do(ctx, http.MethodGet, url, nil, dest, opts)
}

// Delete issues a DELETE and discards any response body.
func Delete(ctx context.Context, url string, opts Options) error {
	return Do(ctx, http.MethodDelete, url, nil, nil, opts)
}

// Do executes the request with bounded retries. The response body of the
// final 2xx attempt is decoded into dest when dest is non-nil.
func Do(ctx context.Context, method, url string, payload []byte, dest interface{}, opts Options) error {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := opts.Interval
	if interval < 0 {
		interval = 0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if opts.Mutate != nil {
			opts.Mutate(req)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = consumeResponse(resp, dest)
			if lastErr == nil {
				return nil
			}
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) && permanentStatus(statusErr.StatusCode) {
				return lastErr
			}
		}

		if attempt < attempts {
			logger.Warn("control API request failed",
				"method", method,
				"url", url,
				"attempt", attempt,
				"error", lastErr)
			if interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
		}
	}
	return lastErr
}

func consumeResponse(resp *http.Response, dest interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(data)),
	}
}

// Retry on 5xx and 429; every other 4xx is permanent.
func permanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// SetBearer installs a bearer Authorization header when token is non-empty.
func SetBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
