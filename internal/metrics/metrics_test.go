package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/basket/clawboard/internal/bus"
)

func TestObserve_CountsBoardEvents(t *testing.T) {
	c, _ := New(prometheus.NewRegistry())

	c.Observe(bus.Event{Topic: bus.TopicUsageIngested, Payload: bus.UsageIngestedEvent{Inserted: 3, Deduped: 1, Rejected: 2, TotalTokens: 175}})
	c.Observe(bus.Event{Topic: bus.TopicWorkflowConflict, Payload: bus.WorkflowConflictEvent{Rule: "live_binding"}})
	c.Observe(bus.Event{Topic: bus.TopicTaskDependencyDenied, Payload: bus.DependencyEvent{Reason: "cycle"}})
	c.Observe(bus.Event{Topic: bus.TopicTaskDependencyAdded, Payload: bus.DependencyEvent{TaskID: 2, BlockedBy: 1}})
	c.Observe(bus.Event{Topic: bus.TopicTaskStatusChanged, Payload: bus.TaskStatusChangedEvent{NewStatus: "done"}})
	c.Observe(bus.Event{Topic: bus.TopicTaskCreated, Payload: bus.TaskEvent{TaskID: 1}})
	c.Observe(bus.Event{Topic: "unrelated", Payload: 42})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"inserted", testutil.ToFloat64(c.usageEvents.WithLabelValues("inserted")), 3},
		{"rejected", testutil.ToFloat64(c.usageEvents.WithLabelValues("rejected")), 2},
		{"tokens", testutil.ToFloat64(c.usageTokens), 175},
		{"conflicts", testutil.ToFloat64(c.gateConflicts.WithLabelValues("live_binding")), 1},
		{"cycle", testutil.ToFloat64(c.depRejections.WithLabelValues("cycle")), 1},
		{"added", testutil.ToFloat64(c.depChanges.WithLabelValues("added")), 1},
		{"done", testutil.ToFloat64(c.statusChanges.WithLabelValues("done")), 1},
		{"created", testutil.ToFloat64(c.tasksCreated), 1},
		{"processed", testutil.ToFloat64(c.eventsProcessed), 7},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s: got %v want %v", ck.name, ck.got, ck.want)
		}
	}
}

func TestRun_ConsumesFromBus(t *testing.T) {
	b := bus.New()
	c, reg := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicPresenceHeartbeat, bus.PresenceEvent{Owner: "ada", Source: "test"})

	for testutil.ToFloat64(c.heartbeats.WithLabelValues("ada")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	c.ObserveRequest("GET /api/health", 200)
	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP clawboard_http_requests_total HTTP requests by route and status code
# TYPE clawboard_http_requests_total counter
clawboard_http_requests_total{code="200",route="GET /api/health"} 1
`), "clawboard_http_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
}
