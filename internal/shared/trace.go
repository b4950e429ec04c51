package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// DefaultActor is recorded on history rows when a request carries no identity.
const DefaultActor = "api"

type ctxKey int

const (
	traceKey ctxKey = iota
	actorKey
	routeKey
)

func NewTraceID() string {
	return uuid.NewString()
}

// AcceptTraceID returns the caller-supplied id when it is a UUID, otherwise a
// fresh one. Ids are normalised to lower-case canonical form.
func AcceptTraceID(header string) string {
	if id, err := uuid.Parse(strings.TrimSpace(header)); err == nil {
		return id.String()
	}
	return NewTraceID()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceID returns the request's trace id, or "-" outside a request.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithActor records who is performing board mutations.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, strings.TrimSpace(actor))
}

// ActorFrom reports the actor set on ctx, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(actorKey).(string)
	return v, ok && v != ""
}

// Actor returns the acting identity, or DefaultActor.
func Actor(ctx context.Context) string {
	if v, ok := ActorFrom(ctx); ok {
		return v
	}
	return DefaultActor
}

// WithRequestPath records the matched route pattern, e.g. "GET /api/tasks/{id}".
func WithRequestPath(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

func RequestPath(ctx context.Context) string {
	v, _ := ctx.Value(routeKey).(string)
	return v
}
