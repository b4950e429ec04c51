// Package ingest validates token usage events and appends them to the
// ledger. A batch is never all-or-nothing: each item is inserted, deduped
// or rejected with a reason and its index.
package ingest

import (
	"bytes"
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawboard/internal/bus"
	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/pricing"
)

// MaxBatch bounds the number of events in one request.
const MaxBatch = 1000

// MaxCount and MaxCostUSD bound a single event so that ledger sums stay
// within int64 and finite floats.
const (
	MaxCount   = 1_000_000_000_000
	MaxCostUSD = 1_000_000_000
)

//go:embed event.schema.json
var eventSchemaJSON []byte

// ErrInvalidBody means the request as a whole is unusable; no item was
// looked at.
var ErrInvalidBody = errors.New("body must be an event object or { events: [...] }")

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type Result struct {
	OK       bool        `json:"ok"`
	Inserted int         `json:"inserted"`
	Deduped  int         `json:"deduped"`
	Rejected []Rejection `json:"rejected"`
}

// StatusCode is 207 when any item was rejected, 200 otherwise.
func (r *Result) StatusCode() int {
	if len(r.Rejected) > 0 {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
	Logger  *slog.Logger
}

type Engine struct {
	store   *persistence.Store
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *otelx.Metrics
	logger  *slog.Logger
	schema  *jsonschema.Schema
	now     func() time.Time
}

func New(cfg Config) (*Engine, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := c.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}

	e := &Engine{
		store:   cfg.Store,
		bus:     cfg.Bus,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		schema:  schema,
		now:     time.Now,
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// SetClock overrides the clock used for events without a ts. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Ingest parses body, resolves every item and writes the accepted ones in
// one transaction. Only a malformed body or a storage failure is an error.
func (e *Engine) Ingest(ctx context.Context, body []byte) (*Result, error) {
	items, err := splitBody(body)
	if err != nil {
		return nil, err
	}

	ctx, span := otelx.StartSpan(ctx, e.tracer, "ingest.batch", otelx.AttrBatchSize.Int(len(items)))
	defer span.End()

	res := &Result{OK: true, Rejected: []Rejection{}}
	var (
		events  []persistence.UsageEvent
		indexes []int
	)
	for i, item := range items {
		ev, reason := e.prepare(ctx, item)
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: reason})
			continue
		}
		events = append(events, ev)
		indexes = append(indexes, i)
	}

	var tokens int64
	if len(events) > 0 {
		outcomes, err := e.store.InsertUsageEvents(ctx, events)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for j, outcome := range outcomes {
			switch outcome {
			case persistence.UsageInserted:
				res.Inserted++
				tokens += events[j].TotalTokens
			case persistence.UsageDeduped:
				res.Deduped++
			case persistence.UsageTaskMissing:
				res.Rejected = append(res.Rejected, Rejection{
					Index:  indexes[j],
					Reason: fmt.Sprintf("task_id %d does not exist", *events[j].TaskID),
				})
			}
		}
		sortRejections(res.Rejected)
	}

	if e.metrics != nil {
		e.metrics.IngestBatchSize.Record(ctx, int64(len(items)))
		e.metrics.IngestedTokens.Add(ctx, tokens, metric.WithAttributes(otelx.AttrBatchSize.Int(len(items))))
	}
	e.bus.Publish(bus.TopicUsageIngested, bus.UsageIngestedEvent{
		Inserted:    res.Inserted,
		Deduped:     res.Deduped,
		Rejected:    len(res.Rejected),
		TotalTokens: tokens,
	})
	e.logger.InfoContext(ctx, "usage events ingested",
		"batch", len(items), "inserted", res.Inserted, "deduped", res.Deduped, "rejected", len(res.Rejected), "total_tokens", tokens)
	return res, nil
}

// splitBody accepts a single event object or {"events": [...]}.
func splitBody(body []byte) ([]map[string]any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrInvalidBody)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, ErrInvalidBody
	}

	raw, batched := obj["events"]
	if !batched {
		return []map[string]any{obj}, nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, ErrInvalidBody
	}
	if len(list) > MaxBatch {
		return nil, fmt.Errorf("%w: at most %d events per request", ErrInvalidBody, MaxBatch)
	}
	items := make([]map[string]any, 0, len(list))
	for _, v := range list {
		item, ok := v.(map[string]any)
		if !ok {
			return nil, ErrInvalidBody
		}
		items = append(items, item)
	}
	return items, nil
}

// prepare turns one raw item into a row, or returns a rejection reason.
func (e *Engine) prepare(ctx context.Context, item map[string]any) (persistence.UsageEvent, string) {
	var ev persistence.UsageEvent
	if err := e.schema.Validate(item); err != nil {
		return ev, schemaReason(err)
	}

	ts, err := parseTimestamp(stringField(item, "ts"), e.now)
	if err != nil {
		return ev, err.Error()
	}
	ev.Ts = ts

	ev.Source = strings.TrimSpace(stringField(item, "source"))
	if ev.Source == "" {
		ev.Source = "unknown"
	}
	ev.Agent = optionalString(item, "agent")
	ev.Model = optionalString(item, "model")
	ev.EventUID = optionalString(item, "event_uid")

	taskID, reason := e.resolveTask(ctx, item)
	if reason != "" {
		return ev, reason
	}
	ev.TaskID = taskID

	var ok bool
	if ev.PromptTokens, ok = clampCount(item["prompt_tokens"]); !ok {
		return ev, "prompt_tokens is out of range"
	}
	if ev.CompletionTokens, ok = clampCount(item["completion_tokens"]); !ok {
		return ev, "completion_tokens is out of range"
	}
	if isAbsent(item, "total_tokens") {
		ev.TotalTokens = ev.PromptTokens + ev.CompletionTokens
	} else if ev.TotalTokens, ok = clampCount(item["total_tokens"]); !ok {
		return ev, "total_tokens is out of range"
	}

	if isAbsent(item, "cost_usd") {
		model := ""
		if ev.Model != nil {
			model = *ev.Model
		}
		ev.CostUSD = pricing.EstimateCost(model, ev.PromptTokens, ev.CompletionTokens).InexactFloat64()
	} else if ev.CostUSD, ok = clampCost(item["cost_usd"]); !ok {
		return ev, "cost_usd is out of range"
	}

	if meta, present := item["metadata_json"]; present && meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return ev, "metadata_json is not serialisable"
		}
		s := string(b)
		ev.MetadataJSON = &s
	}
	return ev, ""
}

// resolveTask links by task_id, else by task_display_id, else leaves the
// event unlinked.
func (e *Engine) resolveTask(ctx context.Context, item map[string]any) (*int64, string) {
	switch v := item["task_id"].(type) {
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return nil, "task_id must be integer or null"
		}
		return &id, ""
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || id < 1 {
			return nil, "task_id must be integer or null"
		}
		return &id, ""
	}

	displayID := strings.ToUpper(strings.TrimSpace(stringField(item, "task_display_id")))
	if displayID == "" {
		return nil, ""
	}
	task, err := e.store.GetTaskByDisplayID(ctx, displayID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Sprintf("task_display_id %s does not exist", displayID)
		}
		e.logger.ErrorContext(ctx, "resolve task display id", "task_id", displayID, "error", err)
		return nil, "task lookup failed"
	}
	return &task.ID, ""
}

func isAbsent(item map[string]any, key string) bool {
	v, ok := item[key]
	return !ok || v == nil
}

func stringField(item map[string]any, key string) string {
	s, _ := item[key].(string)
	return s
}

func optionalString(item map[string]any, key string) *string {
	s := strings.TrimSpace(stringField(item, key))
	if s == "" {
		return nil
	}
	return &s
}

// clampCount turns a JSON number into a non-negative count. Negative
// values become 0 and fractions are truncated. ok is false above MaxCount,
// including numbers too large to parse.
func clampCount(v any) (int64, bool) {
	n, isNum := v.(json.Number)
	if !isNum {
		return 0, true
	}
	if i, err := n.Int64(); err == nil {
		return max(i, 0), i <= MaxCount
	}
	f, err := n.Float64()
	switch {
	case math.IsNaN(f):
		return 0, false
	case f <= 0:
		return 0, true
	case err != nil || f > MaxCount:
		return 0, false
	}
	return int64(f), true
}

// clampCost is clampCount for cost_usd.
func clampCost(v any) (float64, bool) {
	n, isNum := v.(json.Number)
	if !isNum {
		return 0, true
	}
	f, err := n.Float64()
	switch {
	case math.IsNaN(f):
		return 0, false
	case f <= 0:
		return 0, true
	case err != nil || f > MaxCostUSD:
		return 0, false
	}
	return f, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts ISO-8601 forms. A value without a zone is UTC.
func parseTimestamp(raw string, now func() time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now().UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("ts %q is not an ISO-8601 timestamp", raw)
}

// schemaReason flattens a validation error into one line.
func schemaReason(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var parts []string
	for _, l := range lines[1:] {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			parts = append(parts, l)
		}
	}
	if len(parts) == 0 {
		return "invalid event: " + err.Error()
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

func sortRejections(r []Rejection) {
	slices.SortStableFunc(r, func(a, b Rejection) int { return cmp.Compare(a.Index, b.Index) })
}
