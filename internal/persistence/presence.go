package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawboard/internal/bus"
)

// Presence is the last heartbeat seen for an owner. Whether it is still
// live is decided by the reader against its own clock and TTL.
type Presence struct {
	Owner    string    `json:"owner" db:"owner"`
	LastSeen time.Time `json:"last_seen" db:"last_seen"`
	Source   string    `json:"source" db:"source"`
}

// Heartbeat records that owner is live now.
func (s *Store) Heartbeat(ctx context.Context, owner, source string) (*Presence, error) {
	now := s.Now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO presence (owner, last_seen, source)
			VALUES (?, ?, ?)
			ON CONFLICT(owner) DO UPDATE SET last_seen = excluded.last_seen, source = excluded.source;
		`, owner, FormatTime(now), source)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	s.bus.Publish(bus.TopicPresenceHeartbeat, bus.PresenceEvent{Owner: owner, Source: source})
	return &Presence{Owner: owner, LastSeen: now.Truncate(time.Millisecond), Source: source}, nil
}

// LastSeen returns the owner's last heartbeat. ok is false when the owner
// has never been seen.
func (s *Store) LastSeen(ctx context.Context, owner string) (time.Time, bool, error) {
	var p Presence
	err := s.x.GetContext(ctx, &p, `SELECT owner, last_seen, source FROM presence WHERE owner = ?;`, owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last seen: %w", err)
	}
	return p.LastSeen, true, nil
}

func (s *Store) ListPresence(ctx context.Context) ([]Presence, error) {
	out := []Presence{}
	if err := s.x.SelectContext(ctx, &out, `SELECT owner, last_seen, source FROM presence ORDER BY owner;`); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return out, nil
}

// PrunePresence deletes rows last seen before cutoff.
func (s *Store) PrunePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE last_seen < ?;`, FormatTime(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune presence: %w", err)
	}
	return n, nil
}
