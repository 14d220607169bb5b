package timerutil

import (
	"sync"
	"testing"
	"time"
)

func TestScheduleReplacesPendingTimer(t *testing.T) {
	reg := NewRegistry(nil)
	var mu sync.Mutex
	fired := make([]string, 0, 2)

	reg.Schedule("ses_1", "room-delete", time.Hour, func() {
		mu.Lock()
		fired = append(fired, "first")
		mu.Unlock()
	})
	done := make(chan struct{})
	reg.Schedule("ses_1", "room-delete", time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "second")
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replacement timer did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("fired = %v, want only the replacement", fired)
	}
}

func TestCancelStopsTimer(t *testing.T) {
	reg := NewRegistry(nil)
	fired := make(chan struct{}, 1)
	reg.Schedule("ses_1", "reconnect", 20*time.Millisecond, func() {
		fired <- struct{}{}
	})
	if !reg.Cancel("ses_1", "reconnect") {
		t.Fatal("expected a pending timer to cancel")
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
	if reg.Pending("ses_1", "reconnect") {
		t.Fatal("cancelled timer still registered")
	}
}

func TestCancelAllClearsEveryTimerForKey(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Schedule("ses_1", "a", time.Hour, func() {})
	reg.Schedule("ses_1", "b", time.Hour, func() {})
	reg.Schedule("ses_2", "a", time.Hour, func() {})

	reg.CancelAll("ses_1")

	if reg.Pending("ses_1", "a") || reg.Pending("ses_1", "b") {
		t.Fatal("timers for ses_1 survived CancelAll")
	}
	if !reg.Pending("ses_2", "a") {
		t.Fatal("timer for unrelated key was cancelled")
	}
}

func TestFiredTimerUnregistersItself(t *testing.T) {
	reg := NewRegistry(nil)
	done := make(chan struct{})
	reg.Schedule("ses_1", "settle", time.Millisecond, func() { close(done) })
	<-done
	// the callback removes the handle before running, but give the map
	// bookkeeping a moment under the race detector
	deadline := time.After(time.Second)
	for reg.Pending("ses_1", "settle") {
		select {
		case <-deadline:
			t.Fatal("fired timer still registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
