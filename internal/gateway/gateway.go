// Package gateway serves the board's HTTP API.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawboard/internal/auth"
	"github.com/basket/clawboard/internal/board"
	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/ingest"
	"github.com/basket/clawboard/internal/metrics"
	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/reporting"
	"github.com/basket/clawboard/internal/sysinfo"
)

const serviceName = "clawboard"

type Config struct {
	Store   *persistence.Store
	Board   *board.Service
	Ingest  *ingest.Engine
	Reports *reporting.Engine
	Auth    *auth.Authenticator
	// System backs /api/system/health. Nil disables the endpoint.
	System *sysinfo.Sampler

	Tracer    trace.Tracer
	Metrics   *otelx.Metrics
	Collector *metrics.Collector
	// Registry backs /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry
	Logger   *slog.Logger

	// AllowOrigins lists browser origins accepted by CORS. Empty means same-origin only.
	AllowOrigins []string
	MaxBodyBytes int64
	// IngestRatePerMinute limits usage event ingestion per client. 0 disables it.
	IngestRatePerMinute int
	// ConfigFingerprint is the hash of the active config reported by health.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.New(config.AuthConfig{})
	}
	return &Server{
		cfg: cfg,
		limiter: NewRateLimitMiddleware(RateLimitConfig{
			Enabled:           cfg.IngestRatePerMinute > 0,
			RequestsPerMinute: cfg.IngestRatePerMinute,
			BurstSize:         cfg.IngestRatePerMinute,
		}, cfg.Metrics),
	}
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	open := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.requireAuth(h)))
	}

	open("GET /api/health", s.handleHealth)
	open("POST /api/auth/session", s.handleLogin)
	api("DELETE /api/auth/session", s.handleLogout)

	api("GET /api/tasks", s.handleListTasks)
	api("POST /api/tasks", s.handleCreateTask)
	api("GET /api/tasks/{id}", s.handleGetTask)
	api("PATCH /api/tasks/{id}", s.handlePatchTask)
	api("DELETE /api/tasks/{id}", s.handleDeleteTask)
	api("GET /api/tasks/{id}/comments", s.handleListComments)
	api("POST /api/tasks/{id}/comments", s.handleAddComment)
	api("GET /api/tasks/{id}/history", s.handleHistory)
	api("GET /api/tasks/{id}/dependencies", s.handleListDependencies)
	api("POST /api/tasks/{id}/dependencies", s.handleAddDependency)
	api("DELETE /api/tasks/{id}/dependencies/{blockerId}", s.handleRemoveDependency)

	api("POST /api/presence/heartbeat", s.handleHeartbeat)
	api("GET /api/presence", s.handlePresence)

	mux.Handle("POST /api/reports/tokens/events",
		s.instrument("POST /api/reports/tokens/events", s.requireAuth(s.limiter.Wrap(http.HandlerFunc(s.handleIngest)))))
	api("GET /api/reports/tokens", s.handleReport)
	api("GET /api/reports/tokens/reconcile", s.handleReconcile)

	if s.cfg.System != nil {
		api("GET /api/system/health", s.handleSystemHealth)
	}

	if s.cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{Registry: s.cfg.Registry}))
	}

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"ok":                 dbOK,
		"ts":                 time.Now().UTC().Format(time.RFC3339Nano),
		"service":            serviceName,
		"db_ok":              dbOK,
		"policy_version":     s.cfg.Board.Policy().Version(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.System.Sample(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
