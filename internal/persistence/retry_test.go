package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("insert usage: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"text locked", errors.New("commit tx: database is locked"), true},
		{"text table locked", errors.New("database table is locked"), true},
		{"unrelated", errors.New("no such table: tasks"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	permanent := errors.New("UNIQUE constraint failed: tasks.display_id")
	tests := []struct {
		name      string
		failures  int
		failWith  error
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, nil, 3, 1, false},
		{"busy then ok", 2, busy, 3, 3, false},
		{"busy exhausted", 10, busy, 2, 3, true},
		{"permanent not retried", 10, permanent, 3, 1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 2 {
		t.Fatalf("retries continued after cancel: %d calls", calls)
	}
}

func TestInTx_RetriesWholeUnitOnBusy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.inTx(ctx, func(tx *sqlx.Tx) error {
		attempts++
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_store (key, value, updated_at) VALUES ('last_reconcile', ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, fmt.Sprint(attempts), FormatTime(store.Now())); err != nil {
			return err
		}
		if attempts == 1 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inTx: %v", err)
	}
	got, err := store.KVGet(ctx, "last_reconcile")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if attempts != 2 || got != "2" {
		t.Fatalf("attempts=%d value=%q, want a single committed second attempt", attempts, got)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_store (key, value, updated_at) VALUES ('k', 'v', ?);`, FormatTime(store.Now())); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, err := store.KVGet(ctx, "k")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != "" {
		t.Fatalf("expected rollback, found %q", got)
	}
}
