package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/basket/clawboard/internal/bus"
)

const (
	displayIDSequenceKey = "task_display_seq"
	displayIDPrefix      = "OC-"
)

// Tags is stored as a JSON array in a TEXT column.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *Tags) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan tags: unsupported type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan tags: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*t = out
	return nil
}

type Task struct {
	ID                   int64     `json:"id" db:"id"`
	DisplayID            string    `json:"display_id" db:"display_id"`
	Title                string    `json:"title" db:"title"`
	Description          string    `json:"description" db:"description"`
	Status               string    `json:"status" db:"status"`
	Owner                string    `json:"owner" db:"owner"`
	Priority             string    `json:"priority" db:"priority"`
	EstimatedTokenEffort string    `json:"estimated_token_effort" db:"estimated_token_effort"`
	GithubURL            string    `json:"github_url" db:"github_url"`
	Tags                 Tags      `json:"tags" db:"tags"`
	ParentID             *int64    `json:"parent_id" db:"parent_id"`
	CreatedBy            string    `json:"created_by" db:"created_by"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`

	// BlockerStatuses lists the current status of every task blocking this one.
	BlockerStatuses []string `json:"-" db:"-"`
}

// NewTask carries validated fields for CreateTask.
type NewTask struct {
	Title                string
	Description          string
	Status               string
	Owner                string
	Priority             string
	EstimatedTokenEffort string
	GithubURL            string
	Tags                 []string
	ParentID             *int64
	CreatedBy            string
}

// TaskPatch holds the fields a PATCH may change. Nil means unchanged.
type TaskPatch struct {
	Title                *string
	Description          *string
	Status               *string
	Owner                *string
	Priority             *string
	EstimatedTokenEffort *string
	GithubURL            *string
	Tags                 *[]string
	ParentID             *int64
	ClearParent          bool
}

// Apply returns the task as it would look after the patch. The original is
// not modified.
func (p TaskPatch) Apply(t Task) Task {
	out := t
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Owner != nil {
		out.Owner = *p.Owner
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.EstimatedTokenEffort != nil {
		out.EstimatedTokenEffort = *p.EstimatedTokenEffort
	}
	if p.GithubURL != nil {
		out.GithubURL = *p.GithubURL
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}
	if p.ClearParent {
		out.ParentID = nil
	} else if p.ParentID != nil {
		id := *p.ParentID
		out.ParentID = &id
	}
	return out
}

// Change is one field difference recorded in task_history.
type Change struct {
	Field string
	Old   *string
	New   *string
}

func diffTasks(before, after Task) []Change {
	var out []Change
	add := func(field, oldV, newV string) {
		if oldV != newV {
			o, n := oldV, newV
			out = append(out, Change{Field: field, Old: &o, New: &n})
		}
	}
	add("title", before.Title, after.Title)
	add("description", before.Description, after.Description)
	add("status", before.Status, after.Status)
	add("owner", before.Owner, after.Owner)
	add("priority", before.Priority, after.Priority)
	add("estimated_token_effort", before.EstimatedTokenEffort, after.EstimatedTokenEffort)
	add("github_url", before.GithubURL, after.GithubURL)
	if !slices.Equal(before.Tags, after.Tags) {
		o, _ := json.Marshal([]string(before.Tags))
		n, _ := json.Marshal([]string(after.Tags))
		oldTags, newTags := string(o), string(n)
		out = append(out, Change{Field: "tags", Old: &oldTags, New: &newTags})
	}
	if !equalParent(before.ParentID, after.ParentID) {
		out = append(out, Change{Field: "parent_id", Old: parentString(before.ParentID), New: parentString(after.ParentID)})
	}
	return out
}

func equalParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func parentString(id *int64) *string {
	if id == nil {
		return nil
	}
	s := strconv.FormatInt(*id, 10)
	return &s
}

// TaskFilter selects tasks for ListTasks. Empty fields do not filter.
type TaskFilter struct {
	Statuses []string
	Owner    string
	Priority string
	Search   string
	ParentID *int64
}

func (f TaskFilter) compile() Filter {
	var out Filter
	if len(f.Statuses) > 0 {
		out = out.And(OneOf{Column: "t.status", Values: f.Statuses})
	}
	if f.Owner != "" {
		out = out.And(Eq{Column: "t.owner", Value: f.Owner})
	}
	if f.Priority != "" {
		out = out.And(Eq{Column: "t.priority", Value: f.Priority})
	}
	if f.Search != "" {
		out = out.And(Contains{Columns: []string{"t.title", "t.description", "t.tags", "t.display_id"}, Term: f.Search})
	}
	if f.ParentID != nil {
		out = out.And(Eq{Column: "t.parent_id", Value: *f.ParentID})
	}
	return out
}

const taskColumns = `t.id, t.display_id, t.title, t.description, t.status, t.owner, t.priority,
	t.estimated_token_effort, t.github_url, t.tags, t.parent_id, t.created_by, t.created_at, t.updated_at`

func formatDisplayID(seq int64) string {
	return fmt.Sprintf("%s%03d", displayIDPrefix, seq)
}

// CreateTask inserts a task, assigns the next display id and records a
// creation history row. The display id sequence never reuses numbers.
func (s *Store) CreateTask(ctx context.Context, in NewTask, actor string) (*Task, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if in.ParentID != nil {
			if err := taskExistsTx(ctx, tx, *in.ParentID); err != nil {
				return fmt.Errorf("parent task %d: %w", *in.ParentID, err)
			}
		}
		seq, err := s.nextSequenceTx(ctx, tx, displayIDSequenceKey)
		if err != nil {
			return err
		}
		displayID := formatDisplayID(seq)
		now := FormatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (display_id, title, description, status, owner, priority, estimated_token_effort,
				github_url, tags, parent_id, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, displayID, in.Title, in.Description, in.Status, in.Owner, in.Priority, in.EstimatedTokenEffort,
			in.GithubURL, Tags(in.Tags), in.ParentID, in.CreatedBy, now, now)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		created := displayID
		return appendHistoryTx(ctx, tx, id, []Change{{Field: "created", New: &created}}, actor, now)
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: task.ID, DisplayID: task.DisplayID})
	return task, nil
}

// GetTask returns the task with its blocker statuses, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task *Task
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		task = t
		return loadBlockerStatusesTx(ctx, tx, []*Task{task})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTaskByDisplayID resolves an "OC-007" style id.
func (s *Store) GetTaskByDisplayID(ctx context.Context, displayID string) (*Task, error) {
	var id int64
	err := s.x.GetContext(ctx, &id, `SELECT id FROM tasks WHERE display_id = ?;`, displayID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", displayID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task by display id: %w", err)
	}
	return s.GetTask(ctx, id)
}

// ListTasksByIDs returns the subset of ids that exist, keyed by id.
func (s *Store) ListTasksByIDs(ctx context.Context, ids []int64) (map[int64]Task, error) {
	var out map[int64]Task
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = listTasksByIDsTx(ctx, tx, ids)
		return err
	})
	return out, err
}

// ListTasks returns tasks matching f, highest priority first, then most
// recently updated.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	where, args := f.compile().Where()
	query := `SELECT ` + taskColumns + ` FROM tasks t ` + where + `
		ORDER BY CASE t.priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, t.updated_at DESC, t.id DESC;`

	var tasks []Task
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &tasks, query, args...); err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		ptrs := make([]*Task, len(tasks))
		for i := range tasks {
			ptrs[i] = &tasks[i]
		}
		return loadBlockerStatusesTx(ctx, tx, ptrs)
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// UpdateTask applies patch if the stored updated_at still equals expected.
// A concurrent write in between yields ErrStale. Returns the updated task
// and the recorded changes; an empty patch returns the task unchanged.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch TaskPatch, expected time.Time, actor string) (*Task, []Change, error) {
	var (
		before  Task
		changes []Change
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.UpdatedAt.Equal(expected) {
			return fmt.Errorf("task %d: %w", id, ErrStale)
		}
		before = *current
		after := patch.Apply(before)
		changes = diffTasks(before, after)
		if len(changes) == 0 {
			return nil
		}
		if after.ParentID != nil && !equalParent(before.ParentID, after.ParentID) {
			if *after.ParentID == id {
				return fmt.Errorf("task %d cannot be its own parent: %w", id, ErrSelfLoop)
			}
			if err := taskExistsTx(ctx, tx, *after.ParentID); err != nil {
				return fmt.Errorf("parent task %d: %w", *after.ParentID, err)
			}
		}

		updated := s.Now()
		if !updated.After(before.UpdatedAt) {
			updated = before.UpdatedAt.Add(time.Millisecond)
		}
		now := FormatTime(updated)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, description = ?, status = ?, owner = ?, priority = ?, estimated_token_effort = ?,
				github_url = ?, tags = ?, parent_id = ?, updated_at = ?
			WHERE id = ? AND updated_at = ?;
		`, after.Title, after.Description, after.Status, after.Owner, after.Priority, after.EstimatedTokenEffort,
			after.GithubURL, after.Tags, after.ParentID, now, id, FormatTime(expected))
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("task %d: %w", id, ErrStale)
		}
		return appendHistoryTx(ctx, tx, id, changes, actor, now)
	})
	if err != nil {
		return nil, nil, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != before.Status {
		s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			TaskID:    task.ID,
			DisplayID: task.DisplayID,
			OldStatus: before.Status,
			NewStatus: task.Status,
			Owner:     task.Owner,
		})
	}
	return task, changes, nil
}

// DeleteTask removes the task. Comments, history and dependency edges
// cascade; usage events keep their task_id and report as deleted-task.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	var displayID string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &displayID, `SELECT display_id FROM tasks WHERE id = ?;`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("delete task lookup: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: id, DisplayID: displayID})
	return nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.x.SelectContext(ctx, &rows, `SELECT status, COUNT(1) AS n FROM tasks GROUP BY status;`); err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func getTaskTx(ctx context.Context, q sqlx.QueryerContext, id int64) (*Task, error) {
	var task Task
	err := sqlx.GetContext(ctx, q, &task, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?;`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func taskExistsTx(ctx context.Context, q sqlx.QueryerContext, id int64) error {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("task exists: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func listTasksByIDsTx(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]Task, error) {
	out := make(map[int64]Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks t WHERE t.id IN (?);`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	var tasks []Task
	if err := sqlx.SelectContext(ctx, q, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

func loadBlockerStatusesTx(ctx context.Context, q sqlx.QueryerContext, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[int64]*Task, len(tasks))
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		t.BlockerStatuses = []string{}
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	query, args, err := sqlx.In(`
		SELECT d.task_id, b.status
		FROM task_dependencies d
		JOIN tasks b ON b.id = d.blocked_by
		WHERE d.task_id IN (?)
		ORDER BY d.task_id, d.blocked_by;
	`, ids)
	if err != nil {
		return fmt.Errorf("blocker statuses: %w", err)
	}
	var rows []struct {
		TaskID int64  `db:"task_id"`
		Status string `db:"status"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return fmt.Errorf("blocker statuses: %w", err)
	}
	for _, r := range rows {
		if t := byID[r.TaskID]; t != nil {
			t.BlockerStatuses = append(t.BlockerStatuses, r.Status)
		}
	}
	return nil
}
