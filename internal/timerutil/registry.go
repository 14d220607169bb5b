// Package timerutil provides a registry of named, cancellable timers keyed
// by session id. Delayed actions (reconnect windows, scheduled restarts,
// deferred room deletion) are stored as explicit handles so a superseding
// event can cancel them instead of relying on closures over stale state.
package timerutil

import (
	"sync"
	"time"
)

// AfterFunc matches time.AfterFunc and can be swapped in tests.
type AfterFunc func(d time.Duration, fn func()) *time.Timer

// Registry tracks at most one pending timer per (key, name) pair.
type Registry struct {
	mu     sync.Mutex
	timers map[string]map[string]*time.Timer
	after  AfterFunc
}

// NewRegistry constructs a Registry. A nil after falls back to
// time.AfterFunc.
func NewRegistry(after AfterFunc) *Registry {
	if after == nil {
		after = time.AfterFunc
	}
	return &Registry{
		timers: make(map[string]map[string]*time.Timer),
		after:  after,
	}
}

// Schedule arms a timer for the (key, name) pair, replacing any pending one
// with the same name. The callback runs at most once and unregisters itself.
func (r *Registry) Schedule(key, name string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[key][name]; ok {
		existing.Stop()
	}
	if r.timers[key] == nil {
		r.timers[key] = make(map[string]*time.Timer)
	}
	r.timers[key][name] = r.after(delay, func() {
		r.remove(key, name)
		fn()
	})
}

// Cancel stops the pending timer for (key, name) and reports whether one was
// pending.
func (r *Registry) Cancel(key, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[key][name]
	if !ok {
		return false
	}
	stopped := timer.Stop()
	delete(r.timers[key], name)
	if len(r.timers[key]) == 0 {
		delete(r.timers, key)
	}
	return stopped
}

// CancelAll stops every pending timer registered for the key.
func (r *Registry) CancelAll(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, timer := range r.timers[key] {
		timer.Stop()
	}
	delete(r.timers, key)
}

// Pending reports whether a timer is armed for (key, name).
func (r *Registry) Pending(key, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key][name]
	return ok
}

func (r *Registry) remove(key, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers[key], name)
	if len(r.timers[key]) == 0 {
		delete(r.timers, key)
	}
}
