package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Comment struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    int64     `json:"task_id" db:"task_id"`
	Author    string    `json:"author" db:"author"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (s *Store) AddComment(ctx context.Context, taskID int64, author, body string) (*Comment, error) {
	var c Comment
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (task_id, author, body, created_at)
			VALUES (?, ?, ?, ?);
		`, taskID, author, body, FormatTime(s.Now()))
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("comment id: %w", err)
		}
		return tx.GetContext(ctx, &c, `SELECT id, task_id, author, body, created_at FROM comments WHERE id = ?;`, id)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListComments returns a task's comments oldest first.
func (s *Store) ListComments(ctx context.Context, taskID int64) ([]Comment, error) {
	out := []Comment{}
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &out, `
			SELECT id, task_id, author, body, created_at
			FROM comments
			WHERE task_id = ?
			ORDER BY id ASC;
		`, taskID); err != nil {
			return fmt.Errorf("list comments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
