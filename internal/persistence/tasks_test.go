package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/clawboard/internal/bus"
)

func newTask(title, status, owner string) NewTask {
	return NewTask{
		Title:                title,
		Status:               status,
		Owner:                owner,
		Priority:             "medium",
		EstimatedTokenEffort: "unknown",
	}
}

func mustCreate(t *testing.T, store *Store, in NewTask) *Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), in, "test")
	if err != nil {
		t.Fatalf("create task %q: %v", in.Title, err)
	}
	return task
}

func strPtr(s string) *string { return &s }

func TestCreateTask_AssignsSequentialDisplayIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, store, newTask("one", "backlog", "ada"))
	second := mustCreate(t, store, newTask("two", "backlog", "ada"))
	if first.DisplayID != "OC-001" || second.DisplayID != "OC-002" {
		t.Fatalf("unexpected display ids %q, %q", first.DisplayID, second.DisplayID)
	}

	// Numbers are not reused after deletion.
	if err := store.DeleteTask(ctx, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	third := mustCreate(t, store, newTask("three", "backlog", "ada"))
	if third.DisplayID != "OC-003" {
		t.Fatalf("expected OC-003, got %q", third.DisplayID)
	}

	got, err := store.GetTaskByDisplayID(ctx, "OC-001")
	if err != nil {
		t.Fatalf("get by display id: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected id %d, got %d", first.ID, got.ID)
	}
	if _, err := store.GetTaskByDisplayID(ctx, "OC-002"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted display id, got %v", err)
	}
}

func TestCreateTask_RoundTripsFields(t *testing.T) {
	store := openTestStore(t)
	store.SetClock(fakeClock(time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC), time.Second))
	parent := mustCreate(t, store, newTask("parent", "backlog", "ada"))

	in := NewTask{
		Title:                "child",
		Description:          "details",
		Status:               "review",
		Owner:                "mason",
		Priority:             "high",
		EstimatedTokenEffort: "large",
		GithubURL:            "https://github.com/acme/repo/pull/1",
		Tags:                 []string{"api", "db"},
		ParentID:             &parent.ID,
		CreatedBy:            "matt",
	}
	created := mustCreate(t, store, in)

	got, err := store.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	want := Task{
		ID:                   created.ID,
		DisplayID:            "OC-002",
		Title:                "child",
		Description:          "details",
		Status:               "review",
		Owner:                "mason",
		Priority:             "high",
		EstimatedTokenEffort: "large",
		GithubURL:            "https://github.com/acme/repo/pull/1",
		Tags:                 Tags{"api", "db"},
		ParentID:             &parent.ID,
		CreatedBy:            "matt",
		CreatedAt:            got.CreatedAt,
		UpdatedAt:            got.UpdatedAt,
		BlockerStatuses:      []string{},
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("task mismatch (-want +got):\n%s", diff)
	}
	if !got.CreatedAt.Equal(got.UpdatedAt) {
		t.Fatalf("expected created_at == updated_at on create, got %v vs %v", got.CreatedAt, got.UpdatedAt)
	}
	if got.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %v", got.CreatedAt.Location())
	}
}

func TestCreateTask_MissingParent(t *testing.T) {
	store := openTestStore(t)
	in := newTask("orphan", "backlog", "ada")
	missing := int64(42)
	in.ParentID = &missing
	if _, err := store.CreateTask(context.Background(), in, "test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasks_FiltersAndOrder(t *testing.T) {
	store := openTestStore(t)
	store.SetClock(fakeClock(time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()

	low := newTask("Write docs", "backlog", "ada")
	low.Priority = "low"
	low.Tags = []string{"docs", "onboarding"}
	mustCreate(t, store, low)
	high := newTask("Fix login bug", "in-progress", "mason")
	high.Priority = "high"
	mustCreate(t, store, high)
	mustCreate(t, store, newTask("Refactor 100% of parser", "backlog", "ada"))
	mustCreate(t, store, newTask("Review PR", "review", "norman"))

	titles := func(tasks []Task) []string {
		out := make([]string, 0, len(tasks))
		for _, task := range tasks {
			out = append(out, task.Title)
		}
		return out
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all by priority then recency", TaskFilter{}, []string{"Fix login bug", "Review PR", "Refactor 100% of parser", "Write docs"}},
		{"status", TaskFilter{Statuses: []string{"backlog"}}, []string{"Refactor 100% of parser", "Write docs"}},
		{"multi status", TaskFilter{Statuses: []string{"review", "in-progress"}}, []string{"Fix login bug", "Review PR"}},
		{"owner", TaskFilter{Owner: "ada"}, []string{"Refactor 100% of parser", "Write docs"}},
		{"priority", TaskFilter{Priority: "high"}, []string{"Fix login bug"}},
		{"search case-insensitive", TaskFilter{Search: "LOGIN"}, []string{"Fix login bug"}},
		{"search display id", TaskFilter{Search: "oc-004"}, []string{"Review PR"}},
		{"search tags", TaskFilter{Search: "Onboard"}, []string{"Write docs"}},
		{"search escapes wildcard", TaskFilter{Search: "100%"}, []string{"Refactor 100% of parser"}},
		{"no match", TaskFilter{Owner: "bard"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if diff := cmp.Diff(tt.want, titles(got)); diff != "" {
				t.Fatalf("titles mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpdateTask_RecordsHistoryAndBumpsUpdatedAt(t *testing.T) {
	store := openTestStore(t)
	store.SetClock(fakeClock(time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()
	b := bus.New()
	store.bus = b
	sub := b.Subscribe(bus.TopicTaskStatusChanged)
	defer b.Unsubscribe(sub)

	task := mustCreate(t, store, newTask("move me", "backlog", "ada"))

	updated, changes, err := store.UpdateTask(ctx, task.ID, TaskPatch{
		Status: strPtr("review"),
		Title:  strPtr("moved"),
		Tags:   &[]string{"x"},
	}, task.UpdatedAt, "matt")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != "review" || updated.Title != "moved" {
		t.Fatalf("unexpected task after update: %+v", updated)
	}
	if !updated.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("expected updated_at to advance: %v -> %v", task.UpdatedAt, updated.UpdatedAt)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %+v", changes)
	}

	history, err := store.ListHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// Three field changes plus the creation row, newest first.
	if len(history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(history))
	}
	if history[len(history)-1].Field != "created" {
		t.Fatalf("expected oldest row to be creation, got %q", history[len(history)-1].Field)
	}
	var status *HistoryEntry
	for i := range history {
		if history[i].Field == "status" {
			status = &history[i]
		}
	}
	if status == nil || *status.OldValue != "backlog" || *status.NewValue != "review" || status.Actor != "matt" {
		t.Fatalf("unexpected status history: %+v", status)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskStatusChangedEvent)
		if !ok || payload.OldStatus != "backlog" || payload.NewStatus != "review" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected status change event")
	}
}

func TestUpdateTask_StaleExpectedTimestamp(t *testing.T) {
	store := openTestStore(t)
	store.SetClock(fakeClock(time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC), time.Second))
	ctx := context.Background()
	task := mustCreate(t, store, newTask("race", "backlog", "ada"))

	if _, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("first")}, task.UpdatedAt, "a"); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("second")}, task.UpdatedAt, "b")
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Title != "first" {
		t.Fatalf("stale write must not land, title=%q", got.Title)
	}
}

func TestUpdateTask_SameClockTickStillAdvances(t *testing.T) {
	store := openTestStore(t)
	fixed := time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()
	task := mustCreate(t, store, newTask("tick", "backlog", "ada"))

	updated, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("tock")}, task.UpdatedAt, "a")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("expected updated_at to advance under a frozen clock")
	}
	if _, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("again")}, task.UpdatedAt, "b"); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for old token, got %v", err)
	}
}

func TestUpdateTask_EmptyPatchIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, newTask("same", "backlog", "ada"))

	got, changes, err := store.UpdateTask(ctx, task.ID, TaskPatch{Title: strPtr("same")}, task.UpdatedAt, "a")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
	if !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("expected updated_at unchanged")
	}
}

func TestUpdateTask_ParentChecks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, newTask("child", "backlog", "ada"))

	self := task.ID
	if _, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{ParentID: &self}, task.UpdatedAt, "a"); !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}
	missing := int64(999)
	if _, _, err := store.UpdateTask(ctx, task.ID, TaskPatch{ParentID: &missing}, task.UpdatedAt, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.UpdateTask(ctx, 999, TaskPatch{Title: strPtr("x")}, task.UpdatedAt, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
}

func TestDeleteTask_CascadesButKeepsUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, store, newTask("a", "backlog", "ada"))
	b := mustCreate(t, store, newTask("b", "backlog", "ada"))

	if _, err := store.AddComment(ctx, a.ID, "ada", "hello"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := store.AddDependency(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("dependency: %v", err)
	}
	if _, err := store.InsertUsageEvents(ctx, []UsageEvent{{Ts: store.Now(), Source: "test", TaskID: &a.ID, TotalTokens: 10}}); err != nil {
		t.Fatalf("usage: %v", err)
	}

	if err := store.DeleteTask(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteTask(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	for _, c := range []struct {
		q    string
		args []any
	}{
		{`SELECT COUNT(1) FROM comments WHERE task_id = ?;`, []any{a.ID}},
		{`SELECT COUNT(1) FROM task_history WHERE task_id = ?;`, []any{a.ID}},
		{`SELECT COUNT(1) FROM task_dependencies WHERE task_id = ? OR blocked_by = ?;`, []any{a.ID, a.ID}},
	} {
		var n int
		if err := store.DB().QueryRow(c.q, c.args...).Scan(&n); err != nil {
			t.Fatalf("query %q: %v", c.q, err)
		}
		if n != 0 {
			t.Fatalf("expected cascade for %q, found %d rows", c.q, n)
		}
	}

	var usage int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM token_usage_events WHERE task_id = ?;`, a.ID).Scan(&usage); err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if usage != 1 {
		t.Fatalf("expected usage row to survive with its task_id, got %d", usage)
	}
}

func TestTaskCounts(t *testing.T) {
	store := openTestStore(t)
	mustCreate(t, store, newTask("a", "backlog", "ada"))
	mustCreate(t, store, newTask("b", "backlog", "ada"))
	mustCreate(t, store, newTask("c", "done", "ada"))

	got, err := store.TaskCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"backlog": 2, "done": 1}, got); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestComments_OrderAndMissingTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, newTask("talk", "backlog", "ada"))

	for _, body := range []string{"first", "second"} {
		if _, err := store.AddComment(ctx, task.ID, "ada", body); err != nil {
			t.Fatalf("add comment: %v", err)
		}
	}
	comments, err := store.ListComments(ctx, task.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 || comments[0].Body != "first" || comments[1].Body != "second" {
		t.Fatalf("unexpected comments: %+v", comments)
	}

	if _, err := store.AddComment(ctx, 999, "ada", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.ListComments(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.ListHistory(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskPatchApplyDoesNotMutate(t *testing.T) {
	parent := int64(7)
	orig := Task{Title: "a", Tags: Tags{"x"}, ParentID: &parent}
	out := TaskPatch{Title: strPtr("b"), ClearParent: true}.Apply(orig)
	if orig.Title != "a" || orig.ParentID == nil {
		t.Fatalf("original mutated: %+v", orig)
	}
	if out.Title != "b" || out.ParentID != nil {
		t.Fatalf("unexpected patched task: %+v", out)
	}
}
