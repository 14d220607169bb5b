package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, webhook processing, egress job
// activity, and health-monitor restarts. It coordinates concurrent writers
// via a RWMutex while exposing thread-safe gauges for live-session and
// active-egress tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	webhookEvents   map[webhookLabel]uint64
	egressEvents    map[string]uint64
	restartEvents   map[string]uint64
	dependencyState map[string]string
	dependencyValue map[string]float64
	liveSessions    atomic.Int64
	activeEgress    atomic.Int64
}

type webhookLabel struct {
	source string
	kind   string
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		webhookEvents:   make(map[webhookLabel]uint64),
		egressEvents:    make(map[string]uint64),
		restartEvents:   make(map[string]uint64),
		dependencyState: make(map[string]string),
		dependencyValue: make(map[string]float64),
	}
}

// Default returns the process-wide Recorder instance.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records an HTTP request observation.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{method: method, path: path, status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// SessionWentLive records a created->live transition and bumps the live gauge.
func (r *Recorder) SessionWentLive() {
	r.incrementSessionEvent("live")
	r.liveSessions.Add(1)
}

// SessionEnded records a live->ended transition and drops the live gauge.
func (r *Recorder) SessionEnded() {
	r.incrementSessionEvent("ended")
	r.decrementGauge(&r.liveSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionEvents[event]++
}

// ObserveWebhookEvent counts one processed webhook event by source and kind.
func (r *Recorder) ObserveWebhookEvent(source, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhookEvents[webhookLabel{source: source, kind: kind}]++
}

// EgressStarted counts a restream job start and bumps the active gauge.
func (r *Recorder) EgressStarted() {
	r.incrementEgressEvent("started")
	r.activeEgress.Add(1)
}

// EgressStopped counts a restream job stop and drops the active gauge.
func (r *Recorder) EgressStopped() {
	r.incrementEgressEvent("stopped")
	r.decrementGauge(&r.activeEgress)
}

// EgressStartFailed counts a failed restream job start attempt.
func (r *Recorder) EgressStartFailed() {
	r.incrementEgressEvent("start_failed")
}

func (r *Recorder) incrementEgressEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.egressEvents[event]++
}

// RestartScheduled counts one health-monitor restart by outcome
// (scheduled, succeeded, failed, budget_exceeded).
func (r *Recorder) RestartScheduled(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restartEvents[outcome]++
}

// SetDependencyHealth records the latest health probe result for an external
// dependency (room service, distribution service, datastore).
func (r *Recorder) SetDependencyHealth(service, status string) {
	value := float64(0)
	switch status {
	case "ok":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencyState[service] = status
	r.dependencyValue[service] = value
}

// LiveSessions returns the current live-session gauge value.
func (r *Recorder) LiveSessions() int64 {
	return r.liveSessions.Load()
}

// ActiveEgressJobs returns the current active-egress gauge value.
func (r *Recorder) ActiveEgressJobs() int64 {
	return r.activeEgress.Load()
}

// Handler exposes the recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders all counters and gauges to the writer in a stable order.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	webhookLabels := r.sortedWebhookLabels()
	egressEvents := sortedKeys(r.egressEvents)
	restartEvents := sortedKeys(r.restartEvents)
	dependencies := sortedKeys(r.dependencyValue)

	fmt.Fprintln(w, "# HELP stagecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE stagecast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "stagecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP stagecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE stagecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "stagecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP stagecast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE stagecast_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "stagecast_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP stagecast_live_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE stagecast_live_sessions gauge")
	fmt.Fprintf(w, "stagecast_live_sessions %d\n", r.liveSessions.Load())

	fmt.Fprintln(w, "# HELP stagecast_webhook_events_total Webhook events processed by source and kind")
	fmt.Fprintln(w, "# TYPE stagecast_webhook_events_total counter")
	for _, label := range webhookLabels {
		fmt.Fprintf(w, "stagecast_webhook_events_total{source=\"%s\",kind=\"%s\"} %d\n", label.source, label.kind, r.webhookEvents[label])
	}

	fmt.Fprintln(w, "# HELP stagecast_egress_events_total Egress job events by type")
	fmt.Fprintln(w, "# TYPE stagecast_egress_events_total counter")
	for _, event := range egressEvents {
		fmt.Fprintf(w, "stagecast_egress_events_total{event=\"%s\"} %d\n", event, r.egressEvents[event])
	}

	fmt.Fprintln(w, "# HELP stagecast_active_egress_jobs Current number of active restream jobs")
	fmt.Fprintln(w, "# TYPE stagecast_active_egress_jobs gauge")
	fmt.Fprintf(w, "stagecast_active_egress_jobs %d\n", r.activeEgress.Load())

	fmt.Fprintln(w, "# HELP stagecast_egress_restarts_total Health-monitor restart attempts by outcome")
	fmt.Fprintln(w, "# TYPE stagecast_egress_restarts_total counter")
	for _, event := range restartEvents {
		fmt.Fprintf(w, "stagecast_egress_restarts_total{outcome=\"%s\"} %d\n", event, r.restartEvents[event])
	}

	fmt.Fprintln(w, "# HELP stagecast_dependency_health Health reported by external dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE stagecast_dependency_health gauge")
	for _, service := range dependencies {
		fmt.Fprintf(w, "stagecast_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedWebhookLabels() []webhookLabel {
	labels := make([]webhookLabel, 0, len(r.webhookEvents))
	for label := range r.webhookEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].source != labels[j].source {
			return labels[i].source < labels[j].source
		}
		return labels[i].kind < labels[j].kind
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.webhookEvents = make(map[webhookLabel]uint64)
	r.egressEvents = make(map[string]uint64)
	r.restartEvents = make(map[string]uint64)
	r.dependencyState = make(map[string]string)
	r.dependencyValue = make(map[string]float64)
	r.liveSessions.Store(0)
	r.activeEgress.Store(0)
}
