// Package workflow holds the kanban vocabulary and the write-time gate that
// guards status transitions.
package workflow

import (
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/basket/clawboard/internal/config"
)

// Policy is an immutable snapshot of the workflow settings.
type Policy struct {
	Statuses     []string
	Traceability []string
	Active       string
	Owners       []string
	Bindable     []string
	PresenceTTL  time.Duration
}

// FromConfig builds a Policy from validated config.
func FromConfig(c config.WorkflowConfig) Policy {
	return Policy{
		Statuses:     slices.Clone(c.Statuses),
		Traceability: slices.Clone(c.TraceabilityStatuses),
		Active:       c.ActiveStatus,
		Owners:       slices.Clone(c.Owners),
		Bindable:     slices.Clone(c.BindableOwners),
		PresenceTTL:  time.Duration(c.PresenceTTLSeconds) * time.Second,
	}
}

// Default is the stock four-column board.
func Default() Policy {
	return FromConfig(config.Default().Workflow)
}

// Terminal is the last status; only it resolves a dependency.
func (p Policy) Terminal() string {
	if len(p.Statuses) == 0 {
		return ""
	}
	return p.Statuses[len(p.Statuses)-1]
}

// Initial is the status new tasks get when none is given.
func (p Policy) Initial() string {
	if len(p.Statuses) == 0 {
		return ""
	}
	return p.Statuses[0]
}

func (p Policy) ValidStatus(s string) bool { return slices.Contains(p.Statuses, s) }

func (p Policy) ValidOwner(o string) bool { return slices.Contains(p.Owners, o) }

// IsBindable reports whether owner is an agent whose presence the gate checks.
func (p Policy) IsBindable(owner string) bool { return slices.Contains(p.Bindable, owner) }

func (p Policy) RequiresTraceability(status string) bool {
	return slices.Contains(p.Traceability, status)
}

// Version identifies the settings in logs.
func (p Policy) Version() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v|%v|%s|%v|%v|%s", p.Statuses, p.Traceability, p.Active, p.Owners, p.Bindable, p.PresenceTTL)
	return fmt.Sprintf("wf-%x", h.Sum64())
}

// LivePolicy lets the config watcher swap the policy while requests read it.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Reload replaces the policy with a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Statuses = slices.Clone(lp.data.Statuses)
	cp.Traceability = slices.Clone(lp.data.Traceability)
	cp.Owners = slices.Clone(lp.data.Owners)
	cp.Bindable = slices.Clone(lp.data.Bindable)
	return cp
}
