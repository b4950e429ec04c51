// Package reporting aggregates the token usage ledger into totals and
// breakdowns that reconcile exactly, and verifies that they do.
package reporting

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/clawboard/internal/persistence"
)

func init() {
	// Costs are JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	UnknownKey        = "unknown"
	UnlinkedDisplayID = "unlinked"
	UnlinkedTitle     = "Unlinked"
	DeletedDisplayID  = "deleted-task"
	DeletedTaskTitle  = "Deleted task"
	trendDayLayout    = "2006-01-02"
	filterTimeLayout  = time.RFC3339Nano
)

type Totals struct {
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	EventCount       int64           `json:"event_count"`
	LinkedEvents     int64           `json:"linked_events"`
	UnlinkedEvents   int64           `json:"unlinked_events"`
}

// Subtotal is the per-row figure shared by every breakdown.
type Subtotal struct {
	TotalTokens int64           `json:"total_tokens"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	EventCount  int64           `json:"event_count"`
}

func (s *Subtotal) add(ev persistence.UsageEvent, cost decimal.Decimal) {
	s.TotalTokens += ev.TotalTokens
	s.CostUSD = s.CostUSD.Add(cost)
	s.EventCount++
}

type AgentRow struct {
	Agent string `json:"agent"`
	Subtotal
}

type ModelRow struct {
	Model string `json:"model"`
	Subtotal
}

type TaskRow struct {
	TaskID        *int64 `json:"task_id"`
	TaskDisplayID string `json:"task_display_id"`
	TaskTitle     string `json:"task_title"`
	Subtotal
}

type TrendRow struct {
	Day string `json:"day"`
	Subtotal
}

type Filters struct {
	Start           *string `json:"start"`
	End             *string `json:"end"`
	IncludeUnlinked bool    `json:"include_unlinked"`
}

type Report struct {
	OK      bool       `json:"ok"`
	Window  string     `json:"window"`
	Filters Filters    `json:"filters"`
	Totals  Totals     `json:"totals"`
	ByAgent []AgentRow `json:"by_agent"`
	ByTask  []TaskRow  `json:"by_task"`
	ByModel []ModelRow `json:"by_model"`
	Trend   []TrendRow `json:"trend"`

	// sql is the independent store aggregate over the same snapshot.
	sql persistence.UsageTotals
}

// StoreQuery translates q into the store's event selection.
func (q Query) StoreQuery() persistence.UsageQuery {
	return persistence.UsageQuery{From: q.Start, To: q.End, LinkedOnly: !q.IncludeUnlinked}
}

func (q Query) filters() Filters {
	f := Filters{IncludeUnlinked: q.IncludeUnlinked}
	format := func(t time.Time) *string {
		s := t.UTC().Format(filterTimeLayout)
		return &s
	}
	if !q.Start.IsZero() {
		f.Start = format(q.Start)
	}
	switch {
	case !q.End.IsZero():
		f.End = format(q.End)
	case !q.AsOf.IsZero():
		f.End = format(q.AsOf)
	}
	return f
}

// Aggregate folds a snapshot into a report. Every breakdown covers every
// event, so each one sums to the totals. Costs are summed as decimals.
func Aggregate(q Query, snap *persistence.UsageSnapshot) *Report {
	r := &Report{
		OK:      true,
		Window:  q.Window,
		Filters: q.filters(),
		Totals:  Totals{CostUSD: decimal.Zero},
		ByAgent: []AgentRow{},
		ByTask:  []TaskRow{},
		ByModel: []ModelRow{},
		Trend:   []TrendRow{},
		sql:     snap.SQLTotals,
	}

	agents := map[string]*Subtotal{}
	models := map[string]*Subtotal{}
	days := map[string]*Subtotal{}
	type taskKey struct {
		linked bool
		id     int64
	}
	tasks := map[taskKey]*Subtotal{}

	bucket := func(m map[string]*Subtotal, key string) *Subtotal {
		s, ok := m[key]
		if !ok {
			s = &Subtotal{CostUSD: decimal.Zero}
			m[key] = s
		}
		return s
	}

	for _, ev := range snap.Events {
		if ev.TaskID == nil && !q.IncludeUnlinked {
			continue
		}
		cost := decimal.NewFromFloat(ev.CostUSD)

		t := &r.Totals
		t.PromptTokens += ev.PromptTokens
		t.CompletionTokens += ev.CompletionTokens
		t.TotalTokens += ev.TotalTokens
		t.CostUSD = t.CostUSD.Add(cost)
		t.EventCount++
		if ev.TaskID != nil {
			t.LinkedEvents++
		} else {
			t.UnlinkedEvents++
		}

		bucket(agents, keyOrUnknown(ev.Agent)).add(ev, cost)
		bucket(models, keyOrUnknown(ev.Model)).add(ev, cost)
		bucket(days, ev.Ts.UTC().Format(trendDayLayout)).add(ev, cost)

		k := taskKey{}
		if ev.TaskID != nil {
			k = taskKey{linked: true, id: *ev.TaskID}
		}
		s, ok := tasks[k]
		if !ok {
			s = &Subtotal{CostUSD: decimal.Zero}
			tasks[k] = s
		}
		s.add(ev, cost)
	}

	for k, s := range agents {
		r.ByAgent = append(r.ByAgent, AgentRow{Agent: k, Subtotal: *s})
	}
	for k, s := range models {
		r.ByModel = append(r.ByModel, ModelRow{Model: k, Subtotal: *s})
	}
	for k, s := range days {
		r.Trend = append(r.Trend, TrendRow{Day: k, Subtotal: *s})
	}
	for k, s := range tasks {
		row := TaskRow{Subtotal: *s}
		switch task, live := snap.Tasks[k.id]; {
		case !k.linked:
			row.TaskDisplayID, row.TaskTitle = UnlinkedDisplayID, UnlinkedTitle
		case live:
			id := k.id
			row.TaskID, row.TaskDisplayID, row.TaskTitle = &id, task.DisplayID, task.Title
		default:
			id := k.id
			row.TaskID, row.TaskDisplayID, row.TaskTitle = &id, DeletedDisplayID, DeletedTaskTitle
		}
		r.ByTask = append(r.ByTask, row)
	}

	slices.SortFunc(r.ByAgent, func(a, b AgentRow) int { return compareRows(a.Subtotal, b.Subtotal, a.Agent, b.Agent) })
	slices.SortFunc(r.ByModel, func(a, b ModelRow) int { return compareRows(a.Subtotal, b.Subtotal, a.Model, b.Model) })
	slices.SortFunc(r.ByTask, func(a, b TaskRow) int {
		if c := compareRows(a.Subtotal, b.Subtotal, a.TaskDisplayID, b.TaskDisplayID); c != 0 {
			return c
		}
		return cmp.Compare(taskIDOrZero(a.TaskID), taskIDOrZero(b.TaskID))
	})
	slices.SortFunc(r.Trend, func(a, b TrendRow) int { return cmp.Compare(a.Day, b.Day) })
	return r
}

// compareRows orders by cost desc, then total tokens desc, then key asc.
func compareRows(a, b Subtotal, ka, kb string) int {
	if c := b.CostUSD.Cmp(a.CostUSD); c != 0 {
		return c
	}
	if c := cmp.Compare(b.TotalTokens, a.TotalTokens); c != 0 {
		return c
	}
	return cmp.Compare(ka, kb)
}

func keyOrUnknown(s *string) string {
	if s == nil || *s == "" {
		return UnknownKey
	}
	return *s
}

func taskIDOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
