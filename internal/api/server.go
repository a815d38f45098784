// Package api serves the bootstrap control and inspection HTTP API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

type routerSettings struct {
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	serviceName string
}

// RouterOption configures NewRouter.
type RouterOption func(*routerSettings)

// WithGatherer serves g on /metrics. Without it /metrics is not registered.
func WithGatherer(g prometheus.Gatherer) RouterOption {
	return func(s *routerSettings) { s.gatherer = g }
}

// WithLogger sets the request and panic logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(s *routerSettings) { s.logger = l }
}

// WithServiceName sets the otelgin server name.
func WithServiceName(name string) RouterOption {
	return func(s *routerSettings) { s.serviceName = name }
}

// NewRouter constructs a Router with the full middleware chain and all routes
// registered. Middleware order:
//  1. Recovery: panic → 500
//  2. Tracing: trace context per request
//  3. RequestLogger: structured request/response logging
func NewRouter(o orchestratorService, opts ...RouterOption) *Router {
	s := routerSettings{logger: slog.Default(), serviceName: "starrynight"}
	for _, opt := range opts {
		opt(&s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(s.logger))
	engine.Use(Tracing(s.serviceName))
	engine.Use(RequestLogger(s.logger))

	h := &Handler{orchestrator: o, logger: s.logger}

	v1 := engine.Group("/api/v1")
	v1.POST("/bootstrap", h.Bootstrap)
	v1.GET("/bootstrap", h.LastBootstrap)
	v1.GET("/health", h.SystemHealth)
	v1.GET("/metrics", h.Metrics)
	v1.GET("/systems", h.Systems)
	v1.GET("/systems/:key", h.System)
	v1.GET("/shared/:key", h.Shared)
	v1.GET("/colors", h.ColorDependents)
	v1.GET("/palette", h.Palette)
	v1.PUT("/palette", h.SetPalette)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
