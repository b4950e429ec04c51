package board

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawboard/internal/bus"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/workflow"
)

var testNow = time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *persistence.Store
	gate  *workflow.Gate
	bus   *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawboard.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.SetClock(func() time.Time { return testNow })

	gate := workflow.NewGate(workflow.NewLivePolicy(workflow.Default()), store)
	gate.SetClock(func() time.Time { return testNow })
	return &harness{
		svc:   New(Config{Store: store, Gate: gate, Bus: b}),
		store: store,
		gate:  gate,
		bus:   b,
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreate_DefaultsAndValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task, err := h.svc.Create(ctx, CreateInput{Title: "  Ship it  "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Title != "Ship it" || task.Status != "backlog" || task.Owner != "matt" || task.Priority != "medium" || task.EstimatedTokenEffort != "unknown" {
		t.Fatalf("unexpected defaults: %+v", task.Task)
	}
	if task.CreatedBy != "api" {
		t.Fatalf("expected created_by from context actor, got %q", task.CreatedBy)
	}

	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing title", CreateInput{Title: "   "}, "title"},
		{"bad status", CreateInput{Title: "x", Status: "blocked"}, "status"},
		{"bad owner", CreateInput{Title: "x", Owner: "nobody"}, "owner"},
		{"bad priority", CreateInput{Title: "x", Priority: "urgent"}, "priority"},
		{"bad effort", CreateInput{Title: "x", EstimatedTokenEffort: "huge"}, "estimated_token_effort"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestCreate_RunsGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(bus.TopicWorkflowConflict)
	defer h.bus.Unsubscribe(sub)

	_, err := h.svc.Create(ctx, CreateInput{Title: "straight to review", Status: "review"})
	var conflict *workflow.ConflictError
	if !errors.As(err, &conflict) || conflict.Rule != workflow.RuleTraceability {
		t.Fatalf("expected traceability conflict, got %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if p, ok := ev.Payload.(bus.WorkflowConflictEvent); !ok || p.Rule != workflow.RuleTraceability {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected workflow.conflict event")
	}

	tasks, err := h.svc.List(ctx, persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("refused create must not persist, found %d tasks", len(tasks))
	}
}

func TestPatch_TraceabilityUsesPostPatchValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Status: ptr("review")}); err == nil {
		t.Fatal("expected conflict without URL")
	}

	// URL and status in the same patch pass because the gate sees the result.
	got, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{
		Status:    ptr("review"),
		GithubURL: ptr("https://github.com/acme/repo/pull/9"),
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Status != "review" {
		t.Fatalf("expected review, got %q", got.Status)
	}

	// Clearing the URL while in review is refused too.
	_, _, err = h.svc.Patch(ctx, task.ID, persistence.TaskPatch{GithubURL: ptr("")})
	var conflict *workflow.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict when clearing URL, got %v", err)
	}

	// Fields the gate does not read are not gated.
	if _, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Title: ptr("renamed")}); err != nil {
		t.Fatalf("title patch: %v", err)
	}
}

func TestPatch_LiveBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, CreateInput{Title: "t", Owner: "ada"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err = h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Status: ptr("in-progress")})
	var conflict *workflow.ConflictError
	if !errors.As(err, &conflict) || conflict.Rule != workflow.RuleLiveBinding || conflict.Owner != "ada" {
		t.Fatalf("expected live binding conflict, got %v", err)
	}

	if _, err := h.svc.Heartbeat(ctx, "ada", "test"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Status: ptr("in-progress")}); err != nil {
		t.Fatalf("patch after heartbeat: %v", err)
	}

	// Reassigning to a bound owner without presence is refused.
	_, _, err = h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Owner: ptr("mason")})
	if !errors.As(err, &conflict) || conflict.Owner != "mason" {
		t.Fatalf("expected conflict for mason, got %v", err)
	}

	// A heartbeat older than the TTL no longer counts.
	h.gate.SetClock(func() time.Time { return testNow.Add(16 * time.Minute) })
	other, err := h.svc.Create(ctx, CreateInput{Title: "u", Owner: "ada"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := h.svc.Patch(ctx, other.ID, persistence.TaskPatch{Status: ptr("in-progress")}); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict after ttl, got %v", err)
	}
}

func TestPatch_ValidationAndNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var verr *ValidationError
	if _, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Status: ptr("nope")}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, _, err := h.svc.Patch(ctx, task.ID, persistence.TaskPatch{Title: ptr(" ")}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, _, err := h.svc.Patch(ctx, 404, persistence.TaskPatch{Title: ptr("x")}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDependencies_BlockedFlipsWhenBlockerDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.svc.Create(ctx, CreateInput{Title: "a"})
	b, _ := h.svc.Create(ctx, CreateInput{Title: "b"})

	created, err := h.svc.AddDependency(ctx, a.ID, b.ID)
	if err != nil || !created {
		t.Fatalf("add dependency: created=%v err=%v", created, err)
	}

	view, err := h.svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !view.IsBlocked || view.UnresolvedBlockerCount != 1 {
		t.Fatalf("expected blocked, got %+v", view.Summary)
	}

	if _, _, err := h.svc.Patch(ctx, b.ID, persistence.TaskPatch{Status: ptr("done"), GithubURL: ptr("N/A")}); err != nil {
		t.Fatalf("complete blocker: %v", err)
	}
	deps, err := h.svc.Dependencies(ctx, a.ID)
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if deps.IsBlocked || deps.UnresolvedBlockerCount != 0 || len(deps.BlockedBy) != 1 {
		t.Fatalf("expected unblocked with edge kept, got %+v", deps)
	}
}

func TestAddDependency_RejectionsAreAnnounced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(bus.TopicTaskDependencyDenied)
	defer h.bus.Unsubscribe(sub)

	a, _ := h.svc.Create(ctx, CreateInput{Title: "a"})
	b, _ := h.svc.Create(ctx, CreateInput{Title: "b"})
	if _, err := h.svc.AddDependency(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := h.svc.AddDependency(ctx, b.ID, a.ID); !errors.Is(err, persistence.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if _, err := h.svc.AddDependency(ctx, a.ID, a.ID); !errors.Is(err, persistence.ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}

	var reasons []string
	for len(reasons) < 2 {
		select {
		case ev := <-sub.Ch():
			reasons = append(reasons, ev.Payload.(bus.DependencyEvent).Reason)
		case <-time.After(time.Second):
			t.Fatalf("expected two denial events, got %v", reasons)
		}
	}
	if reasons[0] != "cycle" || reasons[1] != "self_loop" {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestPresence_ActiveFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Heartbeat(ctx, "nobody", ""); err == nil {
		t.Fatal("expected unknown owner to be rejected")
	}
	if _, err := h.svc.Heartbeat(ctx, "ADA", ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	rows, err := h.svc.Presence(ctx)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(rows) != 1 || rows[0].Owner != "ada" || !rows[0].Active || rows[0].Source != "api" {
		t.Fatalf("unexpected presence %+v", rows)
	}

	h.store.SetClock(func() time.Time { return testNow.Add(time.Hour) })
	rows, _ = h.svc.Presence(ctx)
	if rows[0].Active {
		t.Fatalf("expected presence to expire after ttl")
	}

	n, err := h.svc.PruneStalePresence(ctx, 30*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
}

func TestComments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, _ := h.svc.Create(ctx, CreateInput{Title: "t"})

	var verr *ValidationError
	if _, err := h.svc.AddComment(ctx, task.ID, "ada", "  "); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	c, err := h.svc.AddComment(ctx, task.ID, "", "looks good")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if c.Author != "api" {
		t.Fatalf("expected default author from actor, got %q", c.Author)
	}
	if _, err := h.svc.AddComment(ctx, 404, "ada", "x"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
