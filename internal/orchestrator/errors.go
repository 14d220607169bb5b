package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the session id does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden indicates the caller does not own the session.
	ErrForbidden = errors.New("caller does not own the session")
	// ErrSessionEnded indicates the session already reached its terminal
	// state and cannot be restarted.
	ErrSessionEnded = errors.New("session has ended")
	// ErrNotInitialized indicates the session has no room or distribution
	// endpoint yet.
	ErrNotInitialized = errors.New("session is not initialized")
	// ErrNoActiveBroadcast indicates a stop was requested for a session
	// that is not live.
	ErrNoActiveBroadcast = errors.New("session has no active broadcast")
	// ErrDependencyUnavailable indicates a media room or distribution call
	// failed after retries.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrRestartThrottled indicates a forced restart was requested before
	// the cooldown from the previous one elapsed.
	ErrRestartThrottled = errors.New("restart throttled")
)

// dependencyErr wraps a failed provider call so callers can match it against
// ErrDependencyUnavailable while keeping the underlying cause in the chain.
func dependencyErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrDependencyUnavailable, err))
}
