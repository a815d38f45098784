package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"arc-framework/starrynight/internal/api"
	"arc-framework/starrynight/internal/config"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/metrics"
	"arc-framework/starrynight/internal/orchestrator"
	"arc-framework/starrynight/internal/sinks"
	"arc-framework/starrynight/internal/subsystems"
	"arc-framework/starrynight/internal/telemetry"
)

// AppContext holds the dependencies shared by the server and bootstrap
// subcommands.
type AppContext struct {
	cfg          *config.Config
	logger       *slog.Logger
	otelProvider *telemetry.Provider
	registry     *prometheus.Registry
	orchestrator *orchestrator.Orchestrator
	router       *api.Router
	closers      []func() error
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Registers the Prometheus collectors
//  3. Creates the enabled health sinks
//  4. Wires the theme orchestrator from the mode profile
//  5. Creates the HTTP router
func buildAppContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*AppContext, error) {
	app := &AppContext{cfg: cfg, logger: logger}

	// OTEL must never block startup; without an endpoint it stays disabled.
	tp, err := telemetry.InitProvider(ctx, telemetry.Options{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.OTLPInsecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		Mode:           cfg.Bootstrap.Mode,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
		ExportInterval: cfg.Telemetry.MetricExportInterval,
	})
	switch {
	case errors.Is(err, telemetry.ErrNoEndpoint):
		logger.Info("OTEL telemetry disabled (no endpoint configured)")
	case err != nil:
		logger.Warn("OTEL provider init failed, telemetry disabled", "err", err)
	default:
		app.otelProvider = tp
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.New(app.registry)
	if err != nil {
		return nil, err
	}

	profile := cfg.Bootstrap.Profile()
	o, err := orchestrator.NewTheme(
		orchestrator.ThemeConfig{
			Profile:             profile,
			Hints:               subsystems.DefaultHints(),
			DependencyInjection: cfg.Bootstrap.EnableDependencyInjection,
		},
		orchestrator.WithConfig(orchestratorConfig(cfg.Bootstrap, profile)),
		orchestrator.WithHealthConfig(healthConfig(cfg.Bootstrap)),
		orchestrator.WithMetrics(rec),
		orchestrator.WithSinks(app.buildSinks(ctx)...),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	app.orchestrator = o
	logger.Info("theme orchestrator ready",
		"mode", profile.Mode,
		"cpu_budget_percent", profile.CPUBudgetPercent,
		"lazy_init", profile.LazyInit,
	)

	app.router = api.NewRouter(o,
		api.WithGatherer(app.registry),
		api.WithLogger(logger),
		api.WithServiceName(cfg.Telemetry.ServiceName),
	)
	return app, nil
}

// buildSinks returns the enabled health sinks. NATS stream provisioning is
// best-effort: a missing bus must not block startup.
func (a *AppContext) buildSinks(ctx context.Context) []orchestrator.Sink {
	var out []orchestrator.Sink

	if nc := a.cfg.Sinks.NATS; nc.Enabled {
		p := sinks.NewNATSPublisher(nc, a.logger)
		if nc.ProvisionStreams {
			if err := p.ProvisionStreams(ctx); err != nil {
				a.logger.WarnContext(ctx, "nats stream provisioning failed", "err", err)
			}
		}
		a.closers = append(a.closers, func() error { p.Close(); return nil })
		out = append(out, p)
	}

	if rc := a.cfg.Sinks.Redis; rc.Enabled {
		s := sinks.NewRedisStore(rc)
		a.closers = append(a.closers, s.Close)
		out = append(out, s)
	}

	return out
}

// Close tears the theme down, then releases sinks and telemetry.
func (a *AppContext) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.otelProvider.Shutdown(ctx); err != nil {
		a.logger.Warn("OTEL shutdown error", "err", err)
	}
	return errors.Join(errs...)
}

// orchestratorConfig applies the mode profile to the configured timeouts.
func orchestratorConfig(b config.BootstrapConfig, profile subsystems.ModeProfile) orchestrator.Config {
	interval := b.HealthInterval
	if profile.HealthIntervalFactor > 0 {
		interval = time.Duration(float64(interval) * profile.HealthIntervalFactor)
	}
	return orchestrator.Config{
		SystemReadinessTimeout: b.SystemReadinessTimeout,
		PhaseTransitionTimeout: b.PhaseTransitionTimeout,
		HealthMonitoring:       b.EnableSystemHealthMonitoring,
		HealthInterval:         interval,
		Prewarm:                !profile.LazyInit,
	}
}

func healthConfig(b config.BootstrapConfig) health.Config {
	return health.Config{
		Thresholds: health.Thresholds{
			MaxInitTime: b.PerformanceThresholds.MaxInitTime,
			MaxMemoryMB: b.PerformanceThresholds.MaxMemoryMB,
		},
		PerformanceMonitoring: b.EnablePerformanceMonitoring,
	}
}
