package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UsageEvent is one row of the append-only token usage ledger.
type UsageEvent struct {
	ID               int64     `json:"id" db:"id"`
	Ts               time.Time `json:"ts" db:"ts"`
	Source           string    `json:"source" db:"source"`
	TaskID           *int64    `json:"task_id" db:"task_id"`
	Agent            *string   `json:"agent" db:"agent"`
	Model            *string   `json:"model" db:"model"`
	PromptTokens     int64     `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens" db:"total_tokens"`
	CostUSD          float64   `json:"cost_usd" db:"cost_usd"`
	EventUID         *string   `json:"event_uid" db:"event_uid"`
	MetadataJSON     *string   `json:"metadata_json" db:"metadata_json"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// UsageResult is the outcome of inserting one event.
type UsageResult int

const (
	UsageInserted UsageResult = iota
	UsageDeduped
	UsageTaskMissing
)

func (r UsageResult) String() string {
	switch r {
	case UsageInserted:
		return "inserted"
	case UsageDeduped:
		return "deduped"
	case UsageTaskMissing:
		return "task_missing"
	default:
		return fmt.Sprintf("UsageResult(%d)", int(r))
	}
}

const usageColumns = `id, ts, source, task_id, agent, model, prompt_tokens, completion_tokens,
	total_tokens, cost_usd, event_uid, metadata_json, created_at`

// InsertUsageEvents writes a batch in one transaction and reports a result
// per event, in order. An event whose task no longer exists is skipped with
// UsageTaskMissing; an event_uid that is already stored yields UsageDeduped.
// Neither aborts the rest of the batch.
func (s *Store) InsertUsageEvents(ctx context.Context, events []UsageEvent) ([]UsageResult, error) {
	results := make([]UsageResult, len(events))
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		created := FormatTime(s.Now())
		for i, ev := range events {
			if ev.TaskID != nil {
				var n int
				if err := tx.GetContext(ctx, &n, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, *ev.TaskID); err != nil {
					return fmt.Errorf("usage task lookup: %w", err)
				}
				if n == 0 {
					results[i] = UsageTaskMissing
					continue
				}
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO token_usage_events (ts, source, task_id, agent, model, prompt_tokens, completion_tokens,
					total_tokens, cost_usd, event_uid, metadata_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(event_uid) DO NOTHING;
			`, FormatTime(ev.Ts), ev.Source, ev.TaskID, ev.Agent, ev.Model, ev.PromptTokens, ev.CompletionTokens,
				ev.TotalTokens, ev.CostUSD, ev.EventUID, ev.MetadataJSON, created)
			if err != nil {
				return fmt.Errorf("insert usage event %d: %w", i, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				results[i] = UsageDeduped
			} else {
				results[i] = UsageInserted
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UsageQuery selects events by time window and linkage. A zero To leaves
// the window open at the end; both bounds are inclusive.
type UsageQuery struct {
	From       time.Time
	To         time.Time
	LinkedOnly bool
}

func (q UsageQuery) compile() Filter {
	var f Filter
	if !q.From.IsZero() {
		f = f.And(AtLeast{Column: "ts", Value: FormatTime(q.From)})
	}
	if !q.To.IsZero() {
		f = f.And(AtMost{Column: "ts", Value: FormatTime(q.To)})
	}
	if q.LinkedOnly {
		f = f.And(NotNull{Column: "task_id"})
	}
	return f
}

// UsageTotals is the SQL-side aggregate over a usage query.
type UsageTotals struct {
	PromptTokens     int64   `db:"prompt_tokens"`
	CompletionTokens int64   `db:"completion_tokens"`
	TotalTokens      int64   `db:"total_tokens"`
	CostUSD          float64 `db:"cost_usd"`
	EventCount       int64   `db:"event_count"`
	LinkedEvents     int64   `db:"linked_events"`
}

// UsageSnapshot holds every event matching a query together with the tasks
// they reference and an independent SQL aggregate, all read from the same
// snapshot. Tasks lacks entries for referenced tasks that were deleted.
type UsageSnapshot struct {
	Events    []UsageEvent
	Tasks     map[int64]Task
	SQLTotals UsageTotals
}

func (s *Store) UsageSnapshot(ctx context.Context, q UsageQuery) (*UsageSnapshot, error) {
	where, args := q.compile().Where()
	snap := &UsageSnapshot{Events: []UsageEvent{}}
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &snap.Events,
			`SELECT `+usageColumns+` FROM token_usage_events `+where+` ORDER BY ts ASC, id ASC;`, args...); err != nil {
			return fmt.Errorf("select usage events: %w", err)
		}
		if err := tx.GetContext(ctx, &snap.SQLTotals, `
			SELECT
				COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
				COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
				COALESCE(SUM(total_tokens), 0) AS total_tokens,
				COALESCE(SUM(cost_usd), 0.0) AS cost_usd,
				COUNT(1) AS event_count,
				COUNT(task_id) AS linked_events
			FROM token_usage_events `+where+`;`, args...); err != nil {
			return fmt.Errorf("aggregate usage events: %w", err)
		}

		seen := make(map[int64]struct{})
		var ids []int64
		for _, ev := range snap.Events {
			if ev.TaskID == nil {
				continue
			}
			if _, ok := seen[*ev.TaskID]; ok {
				continue
			}
			seen[*ev.TaskID] = struct{}{}
			ids = append(ids, *ev.TaskID)
		}
		tasks, err := listTasksByIDsTx(ctx, tx, ids)
		if err != nil {
			return err
		}
		snap.Tasks = tasks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// CountUsageEvents returns the size of the ledger.
func (s *Store) CountUsageEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.x.GetContext(ctx, &n, `SELECT COUNT(1) FROM token_usage_events;`); err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return n, nil
}
