package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbox/internal/config"
	"github.com/jkaninda/agentbox/internal/gateway"
	"github.com/jkaninda/agentbox/internal/notification"
	"github.com/jkaninda/agentbox/internal/observability"
	"github.com/jkaninda/agentbox/internal/scheduler"
)

var (
	serveListen  string
	serveVerbose bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve agent sessions over HTTP and run scheduled prompts",
	Long: `Start the HTTP gateway. Each request runs an agent session in its own sandbox
with the hooks, host tools and audit trail from the config file.

Endpoints:
  POST /v1/query                run a session, return all messages
  POST /v1/query/stream         run a session, stream messages via SSE
  GET  /v1/stream               websocket message stream
  GET  /v1/audit                recent audit events (SQL audit store only)
  GET  /v1/sessions/{id}/audit  audit events of one session
  GET  /healthz, /readyz        liveness and readiness
  GET  /metrics                 Prometheus metrics (when enabled)

Scheduled prompts from the scheduler section run alongside the gateway.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (or AGENTBOX_CONFIG env)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override the listen address (e.g. :8080)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, serveVerbose)

	if serveListen != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{}
		}
		cfg.Gateway.ListenAddr = serveListen
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := initRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Cleanup()

	gwCfg := gateway.Config{
		ListenAddr:    cfg.Gateway.Addr(),
		MaxConcurrent: cfg.Gateway.Concurrency(),
	}
	if g := cfg.Gateway; g != nil {
		gwCfg.APIKeys = g.APIKeys
		gwCfg.RateLimit = g.RateLimit
		gwCfg.EnableDocs = g.EnableDocs
	}
	if obs := rt.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.Metrics
		gwCfg.Tracer = obs.Tracer
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	if len(gwCfg.APIKeys) == 0 {
		logger.Warn("gateway has no API keys configured, every request is anonymous")
	}

	notifier := notification.FromConfig(cfg.Notifications, rt.Recorder, logger)
	if notifier != nil {
		rt.Obs.OnAnomaly(func(ctx context.Context, a observability.Alert) {
			notifier.Notify(context.WithoutCancel(ctx), &notification.Message{
				Subject: fmt.Sprintf("[agentbox] High error rate: %s", a.Operation),
				Body: fmt.Sprintf("%s failed %.0f%% of %d calls in the last window (threshold %.0f%%).",
					a.Operation, a.ErrorRate*100, a.Samples, a.Threshold*100),
				Metadata: map[string]string{"type": "anomaly", "operation": a.Operation},
			})
		})
	}

	gw := gateway.New(gwCfg, rt.Orchestrator, rt.Base, logger)
	if rt.AuditStore != nil {
		gw.WithAudit(rt.AuditStore)
	}

	// Cron scheduler (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		sched, err := scheduler.New(cfg.Scheduler, rt.Orchestrator, rt.Base, logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		sched.WithAudit(rt.Recorder)
		sched.WithNotifications(notifier)
		if rt.Obs != nil && rt.Obs.Metrics != nil {
			sched.WithMetrics(scheduler.NewMetrics(rt.Obs.Metrics.Registry))
		}
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
		for name, next := range sched.NextRuns() {
			logger.Info("cron job scheduled",
				slog.String("name", name),
				slog.Time("next_run", next),
			)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- gw.Start(ctx) }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", slog.String("error", err.Error()))
	}
	return nil
}
