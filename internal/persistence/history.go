package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// HistoryEntry is one field change on a task.
type HistoryEntry struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    int64     `json:"task_id" db:"task_id"`
	Field     string    `json:"field" db:"field"`
	OldValue  *string   `json:"old_value" db:"old_value"`
	NewValue  *string   `json:"new_value" db:"new_value"`
	Actor     string    `json:"actor" db:"actor"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}

func appendHistoryTx(ctx context.Context, tx *sqlx.Tx, taskID int64, changes []Change, actor, at string) error {
	for _, c := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (task_id, field, old_value, new_value, actor, changed_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, c.Field, c.Old, c.New, actor, at); err != nil {
			return fmt.Errorf("insert task_history: %w", err)
		}
	}
	return nil
}

// ListHistory returns a task's field changes newest first.
func (s *Store) ListHistory(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	out := []HistoryEntry{}
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &out, `
			SELECT id, task_id, field, old_value, new_value, actor, changed_at
			FROM task_history
			WHERE task_id = ?
			ORDER BY id DESC;
		`, taskID); err != nil {
			return fmt.Errorf("list history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
