package reporting

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// sqlCostTolerance bounds the difference between the decimal cost total
// and SQLite's floating point SUM over the same rows.
const sqlCostTolerance = 1e-6

type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Reconciliation is the outcome of verifying one report.
type Reconciliation struct {
	Window          string  `json:"window"`
	IncludeUnlinked bool    `json:"include_unlinked"`
	EventCount      int64   `json:"event_count"`
	OK              bool    `json:"ok"`
	Checks          []Check `json:"checks"`
}

// Verify recomputes every reconciliation invariant of r: each breakdown
// sums to the totals, linked plus unlinked equals the count, rows are in
// order, and the totals match the store's own aggregate.
func Verify(r *Report) Reconciliation {
	out := Reconciliation{
		Window:          r.Window,
		IncludeUnlinked: r.Filters.IncludeUnlinked,
		EventCount:      r.Totals.EventCount,
		OK:              true,
	}
	add := func(name string, ok bool, format string, args ...any) {
		c := Check{Name: name, OK: ok}
		if !ok {
			c.Detail = fmt.Sprintf(format, args...)
			out.OK = false
		}
		out.Checks = append(out.Checks, c)
	}

	dims := map[string][]Subtotal{
		"by_agent": subtotals(r.ByAgent, func(x AgentRow) Subtotal { return x.Subtotal }),
		"by_task":  subtotals(r.ByTask, func(x TaskRow) Subtotal { return x.Subtotal }),
		"by_model": subtotals(r.ByModel, func(x ModelRow) Subtotal { return x.Subtotal }),
		"trend":    subtotals(r.Trend, func(x TrendRow) Subtotal { return x.Subtotal }),
	}
	for _, name := range []string{"by_agent", "by_task", "by_model", "trend"} {
		sum := sumOf(dims[name])
		add(name+".total_tokens", sum.TotalTokens == r.Totals.TotalTokens,
			"sum %d != totals %d", sum.TotalTokens, r.Totals.TotalTokens)
		add(name+".event_count", sum.EventCount == r.Totals.EventCount,
			"sum %d != totals %d", sum.EventCount, r.Totals.EventCount)
		add(name+".cost_usd", sum.CostUSD.Equal(r.Totals.CostUSD),
			"sum %s != totals %s", sum.CostUSD, r.Totals.CostUSD)
	}

	t := r.Totals
	add("totals.linked_plus_unlinked", t.LinkedEvents+t.UnlinkedEvents == t.EventCount,
		"%d + %d != %d", t.LinkedEvents, t.UnlinkedEvents, t.EventCount)
	if !r.Filters.IncludeUnlinked {
		add("totals.unlinked_excluded", t.UnlinkedEvents == 0, "unlinked_events = %d", t.UnlinkedEvents)
	}

	for _, name := range []string{"by_agent", "by_task", "by_model"} {
		idx := unorderedAt(dims[name])
		add(name+".order", idx < 0, "row %d out of order", idx)
	}
	dayIdx := -1
	for i := 1; i < len(r.Trend); i++ {
		if r.Trend[i-1].Day >= r.Trend[i].Day {
			dayIdx = i
			break
		}
	}
	add("trend.order", dayIdx < 0, "row %d out of order", dayIdx)

	sql := r.sql
	add("sql.total_tokens", sql.TotalTokens == t.TotalTokens, "sql %d != report %d", sql.TotalTokens, t.TotalTokens)
	add("sql.prompt_tokens", sql.PromptTokens == t.PromptTokens, "sql %d != report %d", sql.PromptTokens, t.PromptTokens)
	add("sql.completion_tokens", sql.CompletionTokens == t.CompletionTokens, "sql %d != report %d", sql.CompletionTokens, t.CompletionTokens)
	add("sql.event_count", sql.EventCount == t.EventCount, "sql %d != report %d", sql.EventCount, t.EventCount)
	add("sql.linked_events", sql.LinkedEvents == t.LinkedEvents, "sql %d != report %d", sql.LinkedEvents, t.LinkedEvents)
	diff := math.Abs(sql.CostUSD - t.CostUSD.InexactFloat64())
	add("sql.cost_usd", diff <= sqlCostTolerance, "sql %.9f != report %s", sql.CostUSD, t.CostUSD)
	return out
}

func subtotals[T any](rows []T, get func(T) Subtotal) []Subtotal {
	out := make([]Subtotal, len(rows))
	for i, r := range rows {
		out[i] = get(r)
	}
	return out
}

func sumOf(rows []Subtotal) Subtotal {
	sum := Subtotal{CostUSD: decimal.Zero}
	for _, r := range rows {
		sum.TotalTokens += r.TotalTokens
		sum.EventCount += r.EventCount
		sum.CostUSD = sum.CostUSD.Add(r.CostUSD)
	}
	return sum
}

// unorderedAt returns the first row that sorts before its predecessor by
// cost desc then total tokens desc, or -1.
func unorderedAt(rows []Subtotal) int {
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		c := cur.CostUSD.Cmp(prev.CostUSD)
		if c > 0 || (c == 0 && cur.TotalTokens > prev.TotalTokens) {
			return i
		}
	}
	return -1
}
