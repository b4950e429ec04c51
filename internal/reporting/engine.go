package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/persistence"
)

type Config struct {
	Store   *persistence.Store
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
	Logger  *slog.Logger
}

type Engine struct {
	store   *persistence.Store
	tracer  trace.Tracer
	metrics *otelx.Metrics
	logger  *slog.Logger
}

func New(cfg Config) *Engine {
	e := &Engine{store: cfg.Store, tracer: cfg.Tracer, metrics: cfg.Metrics, logger: cfg.Logger}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Now is the store clock, so windows line up with stored timestamps.
func (e *Engine) Now() time.Time {
	return e.store.Now()
}

// Report reads one snapshot and aggregates it.
func (e *Engine) Report(ctx context.Context, q Query) (*Report, error) {
	ctx, span := otelx.StartSpan(ctx, e.tracer, "report.tokens", otelx.AttrWindow.String(q.Window))
	defer span.End()
	start := time.Now()

	snap, err := e.store.UsageSnapshot(ctx, q.StoreQuery())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}
	r := Aggregate(q, snap)

	span.SetAttributes(otelx.AttrEventCount.Int64(r.Totals.EventCount))
	if e.metrics != nil {
		e.metrics.ReportDuration.Record(ctx, time.Since(start).Seconds())
	}
	return r, nil
}

// Reconcile verifies every fixed window, with and without unlinked events.
func (e *Engine) Reconcile(ctx context.Context) ([]Reconciliation, error) {
	now := e.Now()
	var out []Reconciliation
	for _, days := range Windows {
		for _, includeUnlinked := range []bool{true, false} {
			r, err := e.Report(ctx, WindowQuery(days, includeUnlinked, now))
			if err != nil {
				return nil, err
			}
			rec := Verify(r)
			if !rec.OK {
				e.logger.WarnContext(ctx, "token report reconciliation failed",
					"window", rec.Window, "include_unlinked", includeUnlinked, "checks", failed(rec))
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func failed(r Reconciliation) []string {
	var names []string
	for _, c := range r.Checks {
		if !c.OK {
			names = append(names, c.Name)
		}
	}
	return names
}
