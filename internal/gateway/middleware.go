package gateway

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/shared"
)

const traceHeader = "X-Trace-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument assigns the request a trace id, opens a server span named
// after the route, and records duration and status once the handler returns.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := shared.AcceptTraceID(r.Header.Get(traceHeader))
		w.Header().Set(traceHeader, traceID)

		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithRequestPath(ctx, route)
		ctx, span := s.cfg.Tracer.Start(ctx, route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(otelx.AttrRoute.String(route), otelx.AttrTraceID.String(traceID)),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("route", route),
				attribute.Int("status", rec.status),
			))
		}
		s.cfg.Collector.ObserveRequest(route, rec.status)
		s.cfg.Logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
