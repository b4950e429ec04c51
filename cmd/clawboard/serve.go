package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/clawboard/internal/audit"
	"github.com/basket/clawboard/internal/auth"
	"github.com/basket/clawboard/internal/board"
	"github.com/basket/clawboard/internal/bus"
	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/cron"
	"github.com/basket/clawboard/internal/doctor"
	"github.com/basket/clawboard/internal/gateway"
	"github.com/basket/clawboard/internal/ingest"
	"github.com/basket/clawboard/internal/metrics"
	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/reporting"
	"github.com/basket/clawboard/internal/sysinfo"
	"github.com/basket/clawboard/internal/telemetry"
	"github.com/basket/clawboard/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the board HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runServe(cmd.Context(), cfg, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to logs/system.jsonl only")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, quiet bool) error {
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel, Quiet: quiet})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	warnExposedBind(logger, cfg)

	provider, err := otelx.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	instruments, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath)

	policy := workflow.NewLivePolicy(workflow.FromConfig(cfg.Workflow))
	gate := workflow.NewGate(policy, store)
	boardSvc := board.New(board.Config{Store: store, Gate: gate, Bus: eventBus, Tracer: provider.Tracer, Logger: logger})
	ingestEngine, err := ingest.New(ingest.Config{Store: store, Bus: eventBus, Tracer: provider.Tracer, Metrics: instruments, Logger: logger})
	if err != nil {
		return fmt.Errorf("ingest init: %w", err)
	}
	reports := reporting.New(reporting.Config{Store: store, Tracer: provider.Tracer, Metrics: instruments, Logger: logger})
	authenticator := auth.New(cfg.Auth)

	collector, registry := metrics.New(nil)
	go collector.Run(ctx, eventBus)

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	retention := time.Duration(cfg.Workflow.PresenceRetentionHours) * time.Hour
	for _, job := range []cron.Job{
		cron.SessionSweepJob(cfg.Cron.SessionSweep, authenticator, logger),
		cron.PresencePruneJob(cfg.Cron.PresencePrune, boardSvc, retention, logger),
	} {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go applyReloads(watcher.Events(), policy, logger)
	}

	targets := make([]sysinfo.Service, 0, len(cfg.System.Services))
	for _, svc := range cfg.System.Services {
		targets = append(targets, sysinfo.Service{Name: svc.Name, URL: svc.URL})
	}
	sampler := sysinfo.New(sysinfo.Options{
		DiskPath:     cfg.System.DiskPath,
		Services:     targets,
		CheckTimeout: time.Duration(cfg.System.CheckTimeoutMS) * time.Millisecond,
		Logger:       logger,
	})

	gw := gateway.New(gateway.Config{
		Store:               store,
		Board:               boardSvc,
		Ingest:              ingestEngine,
		Reports:             reports,
		Auth:                authenticator,
		System:              sampler,
		Tracer:              provider.Tracer,
		Metrics:             instruments,
		Collector:           collector,
		Registry:            registry,
		Logger:              logger,
		AllowOrigins:        cfg.AllowOrigins,
		MaxBodyBytes:        cfg.MaxBodyBytes,
		IngestRatePerMinute: cfg.IngestRatePerMinute,
		ConfigFingerprint:   cfg.Fingerprint(),
	})
	gw.StartEviction(ctx)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// applyReloads swaps the workflow policy whenever config.yaml changes.
// Listener, storage and auth settings need a restart.
func applyReloads(events <-chan config.ReloadEvent, policy *workflow.LivePolicy, logger *slog.Logger) {
	for ev := range events {
		if ev.Err != nil {
			continue
		}
		if len(ev.RestartRequired) > 0 {
			logger.Warn("config changes need a restart to apply", "settings", ev.RestartRequired)
		}
		next := workflow.FromConfig(ev.Config.Workflow)
		policy.Reload(next)
		logger.Info("workflow policy reloaded", "policy_version", next.Version(), "presence_ttl", next.PresenceTTL)
	}
}

func warnExposedBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	if !doctor.IsLoopback(host) && !cfg.Auth.Enabled() {
		logger.Warn("listening beyond loopback without credentials; set auth.password or auth.api_keys", "bind_addr", cfg.BindAddr)
	}
}
