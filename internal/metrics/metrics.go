// Package metrics exposes board activity as Prometheus counters. Counts are
// fed from the in-process bus, so producers never import this package.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/basket/clawboard/internal/bus"
)

type Collector struct {
	usageEvents     *prometheus.CounterVec
	usageTokens     prometheus.Counter
	gateConflicts   *prometheus.CounterVec
	depRejections   *prometheus.CounterVec
	depChanges      *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	tasksCreated    prometheus.Counter
	tasksDeleted    prometheus.Counter
	heartbeats      *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	eventsProcessed prometheus.Counter
}

// New registers the board collectors on registry. A nil registry gets a
// fresh one with the Go and process collectors.
func New(registry *prometheus.Registry) (*Collector, *prometheus.Registry) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_usage_events_total",
			Help: "Token usage events by ingestion outcome",
		}, []string{"outcome"}),
		usageTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawboard_usage_tokens_total",
			Help: "Total tokens in newly inserted usage events",
		}),
		gateConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_workflow_conflicts_total",
			Help: "Task writes refused by the workflow gate, by rule",
		}, []string{"rule"}),
		depRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_dependency_rejections_total",
			Help: "Dependency edges refused, by reason",
		}, []string{"reason"}),
		depChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_dependency_changes_total",
			Help: "Dependency edges added or removed",
		}, []string{"op"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_task_status_transitions_total",
			Help: "Task status transitions by target status",
		}, []string{"to"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawboard_tasks_created_total",
			Help: "Tasks created",
		}),
		tasksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawboard_tasks_deleted_total",
			Help: "Tasks deleted",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_presence_heartbeats_total",
			Help: "Presence heartbeats by owner",
		}, []string{"owner"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawboard_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawboard_bus_events_processed_total",
			Help: "Bus events consumed by the metrics collector",
		}),
	}
	registry.MustRegister(
		c.usageEvents, c.usageTokens, c.gateConflicts, c.depRejections, c.depChanges,
		c.statusChanges, c.tasksCreated, c.tasksDeleted, c.heartbeats, c.httpRequests,
		c.eventsProcessed,
	)
	return c, registry
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe folds one bus event into the counters. Unknown topics are ignored.
func (c *Collector) Observe(ev bus.Event) {
	c.eventsProcessed.Inc()
	switch p := ev.Payload.(type) {
	case bus.UsageIngestedEvent:
		c.usageEvents.WithLabelValues("inserted").Add(float64(p.Inserted))
		c.usageEvents.WithLabelValues("deduped").Add(float64(p.Deduped))
		c.usageEvents.WithLabelValues("rejected").Add(float64(p.Rejected))
		c.usageTokens.Add(float64(p.TotalTokens))
	case bus.WorkflowConflictEvent:
		c.gateConflicts.WithLabelValues(p.Rule).Inc()
	case bus.DependencyEvent:
		switch ev.Topic {
		case bus.TopicTaskDependencyDenied:
			c.depRejections.WithLabelValues(p.Reason).Inc()
		case bus.TopicTaskDependencyAdded:
			c.depChanges.WithLabelValues("added").Inc()
		case bus.TopicTaskDependencyRemoved:
			c.depChanges.WithLabelValues("removed").Inc()
		}
	case bus.TaskStatusChangedEvent:
		c.statusChanges.WithLabelValues(p.NewStatus).Inc()
	case bus.TaskEvent:
		switch ev.Topic {
		case bus.TopicTaskCreated:
			c.tasksCreated.Inc()
		case bus.TopicTaskDeleted:
			c.tasksDeleted.Inc()
		}
	case bus.PresenceEvent:
		c.heartbeats.WithLabelValues(p.Owner).Inc()
	}
}

// ObserveRequest counts one served HTTP request.
func (c *Collector) ObserveRequest(route string, code int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
