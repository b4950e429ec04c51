package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/basket/clawboard/internal/bus"
	"github.com/basket/clawboard/internal/depgraph"
)

// DependencyRef is the compact view of a task on either side of an edge.
type DependencyRef struct {
	ID        int64  `json:"id" db:"id"`
	DisplayID string `json:"display_id" db:"display_id"`
	Title     string `json:"title" db:"title"`
	Status    string `json:"status" db:"status"`
}

// Dependencies lists the tasks blocking a task and the tasks it blocks.
type Dependencies struct {
	BlockedBy []DependencyRef `json:"blocked_by"`
	Blocking  []DependencyRef `json:"blocking"`
}

// CycleError carries the chain an edge would have closed.
type CycleError struct {
	TaskID    int64
	BlockedBy int64
	Path      []int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("task %d blocked by %d: %s (path %v)", e.TaskID, e.BlockedBy, ErrCycle, e.Path)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// AddDependency records "taskID is blocked by blockedBy". The existence
// checks, the cycle check and the insert share one transaction, so two
// concurrent requests cannot each add half of a cycle. Adding an edge that
// already exists is a no-op and reports created=false.
func (s *Store) AddDependency(ctx context.Context, taskID, blockedBy int64) (bool, error) {
	if taskID == blockedBy {
		return false, fmt.Errorf("task %d: %w", taskID, ErrSelfLoop)
	}
	var created bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		created = false
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := taskExistsTx(ctx, tx, blockedBy); err != nil {
			return fmt.Errorf("blocker: %w", err)
		}

		var n int
		if err := tx.GetContext(ctx, &n, `
			SELECT COUNT(1) FROM task_dependencies WHERE task_id = ? AND blocked_by = ?;
		`, taskID, blockedBy); err != nil {
			return fmt.Errorf("check dependency: %w", err)
		}
		if n > 0 {
			return nil
		}

		var edges []depgraph.Edge
		if err := tx.SelectContext(ctx, &edges, `SELECT task_id, blocked_by FROM task_dependencies;`); err != nil {
			return fmt.Errorf("load dependency edges: %w", err)
		}
		if path := depgraph.CyclePath(depgraph.FromEdges(edges), taskID, blockedBy); path != nil {
			return &CycleError{TaskID: taskID, BlockedBy: blockedBy, Path: path}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, blocked_by, created_at)
			VALUES (?, ?, ?);
		`, taskID, blockedBy, FormatTime(s.Now())); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.bus.Publish(bus.TopicTaskDependencyAdded, bus.DependencyEvent{TaskID: taskID, BlockedBy: blockedBy})
	}
	return created, nil
}

// RemoveDependency deletes the edge if present. Only a missing task is an
// error; removing an absent edge succeeds and reports removed=false.
func (s *Store) RemoveDependency(ctx context.Context, taskID, blockedBy int64) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? AND blocked_by = ?;`, taskID, blockedBy)
		if err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.bus.Publish(bus.TopicTaskDependencyRemoved, bus.DependencyEvent{TaskID: taskID, BlockedBy: blockedBy})
	}
	return removed, nil
}

func (s *Store) ListDependencies(ctx context.Context, taskID int64) (*Dependencies, error) {
	out := &Dependencies{BlockedBy: []DependencyRef{}, Blocking: []DependencyRef{}}
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &out.BlockedBy, `
			SELECT t.id, t.display_id, t.title, t.status
			FROM task_dependencies d
			JOIN tasks t ON t.id = d.blocked_by
			WHERE d.task_id = ?
			ORDER BY t.id;
		`, taskID); err != nil {
			return fmt.Errorf("list blockers: %w", err)
		}
		if err := tx.SelectContext(ctx, &out.Blocking, `
			SELECT t.id, t.display_id, t.title, t.status
			FROM task_dependencies d
			JOIN tasks t ON t.id = d.task_id
			WHERE d.blocked_by = ?
			ORDER BY t.id;
		`, taskID); err != nil {
			return fmt.Errorf("list blocking: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
