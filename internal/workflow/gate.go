package workflow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Gate rules named in conflicts.
const (
	RuleTraceability = "traceability"
	RuleLiveBinding  = "live_binding"
)

// ConflictError is a well-formed write refused by a workflow rule. Callers
// must change state (add a URL, send a heartbeat) before retrying.
type ConflictError struct {
	Rule    string
	Status  string
	Owner   string
	TTL     time.Duration
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// PresenceChecker reads an owner's last heartbeat.
type PresenceChecker interface {
	LastSeen(ctx context.Context, owner string) (time.Time, bool, error)
}

// Candidate is the task as it would look after the write.
type Candidate struct {
	Status    string
	Owner     string
	GithubURL string
}

type Gate struct {
	policy   *LivePolicy
	presence PresenceChecker
	now      func() time.Time
}

func NewGate(policy *LivePolicy, presence PresenceChecker) *Gate {
	return &Gate{policy: policy, presence: presence, now: time.Now}
}

// SetClock overrides the gate clock. Used by tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Gate) Policy() Policy {
	return g.policy.Snapshot()
}

// Check evaluates every rule against c. It returns a *ConflictError for a
// rule violation and a plain error when presence could not be read.
func (g *Gate) Check(ctx context.Context, c Candidate) error {
	p := g.policy.Snapshot()

	if p.RequiresTraceability(c.Status) && !ValidTraceabilityURL(c.GithubURL) {
		return &ConflictError{
			Rule:    RuleTraceability,
			Status:  c.Status,
			Owner:   c.Owner,
			Message: fmt.Sprintf("status %q requires a traceability URL (an http(s) link or N/A)", c.Status),
		}
	}

	if c.Status == p.Active && p.IsBindable(c.Owner) {
		seen, ok, err := g.presence.LastSeen(ctx, c.Owner)
		if err != nil {
			return fmt.Errorf("read presence for %s: %w", c.Owner, err)
		}
		// Presence is judged at this instant; a stale row counts as absent.
		if !ok || g.now().UTC().Sub(seen) > p.PresenceTTL {
			return &ConflictError{
				Rule:    RuleLiveBinding,
				Status:  c.Status,
				Owner:   c.Owner,
				TTL:     p.PresenceTTL,
				Message: fmt.Sprintf("owner %q has no live presence within %s; send a heartbeat before moving to %q", c.Owner, p.PresenceTTL, c.Status),
			}
		}
	}
	return nil
}

// ValidTraceabilityURL accepts an absolute http(s) URL with a host, or the
// literal N/A in any case.
func ValidTraceabilityURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if strings.EqualFold(raw, "n/a") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
