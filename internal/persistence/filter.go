package persistence

import (
	"strings"
)

// Predicate is one WHERE condition. Each variant renders itself with ?
// placeholders; values never reach the SQL text. Column names come from
// the constants in this package, not from callers.
type Predicate interface {
	render() (string, []any)
}

// Eq matches column = value.
type Eq struct {
	Column string
	Value  any
}

// OneOf matches column IN (values...). An empty set matches nothing.
type OneOf struct {
	Column string
	Values []string
}

// AtLeast matches column >= value.
type AtLeast struct {
	Column string
	Value  any
}

// AtMost matches column <= value.
type AtMost struct {
	Column string
	Value  any
}

// NotNull matches rows where column is set.
type NotNull struct {
	Column string
}

// Contains matches a case-insensitive substring in any of the columns.
type Contains struct {
	Columns []string
	Term    string
}

func (p Eq) render() (string, []any) { return p.Column + " = ?", []any{p.Value} }

func (p OneOf) render() (string, []any) {
	if len(p.Values) == 0 {
		return "0", nil
	}
	args := make([]any, len(p.Values))
	for i, v := range p.Values {
		args[i] = v
	}
	return p.Column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ") + ")", args
}

func (p AtLeast) render() (string, []any) { return p.Column + " >= ?", []any{p.Value} }

func (p AtMost) render() (string, []any) { return p.Column + " <= ?", []any{p.Value} }

func (p NotNull) render() (string, []any) { return p.Column + " IS NOT NULL", nil }

func (p Contains) render() (string, []any) {
	pattern := "%" + escapeLike(strings.ToLower(p.Term)) + "%"
	parts := make([]string, len(p.Columns))
	args := make([]any, len(p.Columns))
	for i, c := range p.Columns {
		parts[i] = "LOWER(" + c + ") LIKE ? ESCAPE '\\'"
		args[i] = pattern
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Filter is a conjunction of predicates. The zero value matches everything.
type Filter struct {
	preds []Predicate
}

// And appends p. Nil predicates are ignored so optional filters can be
// added unconditionally.
func (f Filter) And(p Predicate) Filter {
	if p == nil {
		return f
	}
	next := make([]Predicate, len(f.preds), len(f.preds)+1)
	copy(next, f.preds)
	f.preds = append(next, p)
	return f
}

// Where renders "WHERE a AND b" (or "" for an empty filter) and its args.
func (f Filter) Where() (string, []any) {
	if len(f.preds) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(f.preds))
	var args []any
	for _, p := range f.preds {
		c, a := p.render()
		clauses = append(clauses, c)
		args = append(args, a...)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
