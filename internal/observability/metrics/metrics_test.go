package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteIncludesObservations(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("POST", "/api/sessions/s1/start", 200, 25*time.Millisecond)
	recorder.SessionWentLive()
	recorder.ObserveWebhookEvent("room", "participant.joined")
	recorder.EgressStarted()
	recorder.RestartScheduled("scheduled")
	recorder.SetDependencyHealth("mediaroom", "ok")

	var builder strings.Builder
	recorder.Write(&builder)
	output := builder.String()

	for _, want := range []string{
		`stagecast_http_requests_total{method="POST",path="/api/sessions/s1/start",status="200"} 1`,
		`stagecast_session_events_total{event="live"} 1`,
		"stagecast_live_sessions 1",
		`stagecast_webhook_events_total{source="room",kind="participant.joined"} 1`,
		`stagecast_egress_events_total{event="started"} 1`,
		"stagecast_active_egress_jobs 1",
		`stagecast_egress_restarts_total{outcome="scheduled"} 1`,
		`stagecast_dependency_health{service="mediaroom",status="ok"} 1.000000`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("exposition missing %q\n%s", want, output)
		}
	}
}

func TestRecorderGaugesNeverGoNegative(t *testing.T) {
	recorder := New()
	recorder.SessionEnded()
	recorder.EgressStopped()
	if got := recorder.LiveSessions(); got != 0 {
		t.Fatalf("live sessions gauge = %d, want 0", got)
	}
	if got := recorder.ActiveEgressJobs(); got != 0 {
		t.Fatalf("active egress gauge = %d, want 0", got)
	}
}
