package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/lifecycle"
	"arc-framework/starrynight/internal/metrics"
	"arc-framework/starrynight/internal/orchestrator"
	"arc-framework/starrynight/internal/subsystems"
)

// orchestratorService is the subset of *orchestrator.Orchestrator used by the
// HTTP handlers.
type orchestratorService interface {
	Bootstrap(ctx context.Context) (*orchestrator.BootstrapResult, error)
	LastResult() (*orchestrator.BootstrapResult, bool)
	RunDeepHealth(ctx context.Context) map[string]orchestrator.ProbeResult
	IsReady() bool
	IsBootstrapInProgress() bool
	PerformHealthCheck(ctx context.Context) health.Aggregate
	GetMetrics() metrics.Snapshot
	States() map[string]lifecycle.State
	GetSystem(ctx context.Context, key string, opts ...factory.GetOption) (any, bool)
	GetSharedDependency(key string) (any, bool)
	LastHealth(ctx context.Context) (health.Aggregate, bool)
	ColorDependentSystems() []string
	Describe(key string) (orchestrator.SystemInfo, bool)
}

// paletteEngine is the part of the shared color engine the palette routes use.
type paletteEngine interface {
	Palette() subsystems.Palette
	SetPalette(ctx context.Context, p subsystems.Palette) error
	Generation() int
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	orchestrator orchestratorService
	logger       *slog.Logger
}

// SystemView describes one subsystem instance without serialising it.
type SystemView struct {
	Key          string          `json:"key"`
	Type         string          `json:"type"`
	Domain       string          `json:"domain,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Aliases      []string        `json:"aliases,omitempty"`
	State        lifecycle.State `json:"state,omitempty"`
}

// Bootstrap handles POST /api/v1/bootstrap.
// It returns 202 immediately when a new bootstrap run is started, or 409 if one
// is already in progress. The run itself happens in a background goroutine.
func (h *Handler) Bootstrap(c *gin.Context) {
	if h.orchestrator.IsBootstrapInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": orchestrator.StatusInProgress})
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if _, err := h.orchestrator.Bootstrap(ctx); err != nil {
			h.logger.WarnContext(ctx, "background bootstrap failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// LastBootstrap handles GET /api/v1/bootstrap.
func (h *Handler) LastBootstrap(c *gin.Context) {
	result, ok := h.orchestrator.LastResult()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no bootstrap has run"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every configured sink and returns 200 only when all are OK.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.orchestrator.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only after a successful bootstrap; 503 otherwise.
func (h *Handler) Ready(c *gin.Context) {
	if h.orchestrator.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}

// SystemHealth handles GET /api/v1/health with a fresh aggregate check, or
// with the last known aggregate when cached=true (404 when none is known).
// Critical and not-ready aggregates are served with 503.
func (h *Handler) SystemHealth(c *gin.Context) {
	cached, err := boolQuery(c, "cached")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var agg health.Aggregate
	if cached {
		var ok bool
		if agg, ok = h.orchestrator.LastHealth(c.Request.Context()); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no health check has run"})
			return
		}
	} else {
		agg = h.orchestrator.PerformHealthCheck(c.Request.Context())
	}
	code := http.StatusOK
	if agg.Overall == health.LevelCritical || agg.Overall == health.LevelNotReady {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, agg)
}

// Metrics handles GET /api/v1/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.GetMetrics())
}

// Systems handles GET /api/v1/systems with the state of every planned system.
func (h *Handler) Systems(c *gin.Context) {
	states := h.orchestrator.States()
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c.JSON(http.StatusOK, gin.H{"systems": states, "order": keys})
}

// System handles GET /api/v1/systems/:key. With cacheOnly=true nothing is
// constructed; a miss is 404 either way.
func (h *Handler) System(c *gin.Context) {
	key := c.Param("key")

	cacheOnly, err := boolQuery(c, "cacheOnly")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var opts []factory.GetOption
	if cacheOnly {
		opts = append(opts, factory.CacheOnly())
	}

	instance, ok := h.orchestrator.GetSystem(c.Request.Context(), key, opts...)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("system %q not found", key)})
		return
	}
	c.JSON(http.StatusOK, h.view(key, instance))
}

// Shared handles GET /api/v1/shared/:key.
func (h *Handler) Shared(c *gin.Context) {
	key := c.Param("key")
	instance, ok := h.orchestrator.GetSharedDependency(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("shared dependency %q not published", key)})
		return
	}
	c.JSON(http.StatusOK, h.view(key, instance))
}

// ColorDependents handles GET /api/v1/colors.
func (h *Handler) ColorDependents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"colorDependents": h.orchestrator.ColorDependentSystems()})
}

// Palette handles GET /api/v1/palette. 503 until the color engine is published.
func (h *Handler) Palette(c *gin.Context) {
	engine, ok := h.paletteEngine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"palette": engine.Palette(), "generation": engine.Generation()})
}

// SetPalette handles PUT /api/v1/palette. The body is a role to hex map; the
// change refreshes every color-dependent system before the response.
func (h *Handler) SetPalette(c *gin.Context) {
	engine, ok := h.paletteEngine(c)
	if !ok {
		return
	}
	var p subsystems.Palette
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid palette: %v", err)})
		return
	}
	if err := engine.SetPalette(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation":      engine.Generation(),
		"colorDependents": h.orchestrator.ColorDependentSystems(),
	})
}

func (h *Handler) paletteEngine(c *gin.Context) (paletteEngine, bool) {
	v, ok := h.orchestrator.GetSharedDependency(subsystems.KeyColorHarmonyEngine)
	engine, isEngine := v.(paletteEngine)
	if !ok || !isEngine {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "color engine not ready"})
		return nil, false
	}
	return engine, true
}

func (h *Handler) view(key string, instance any) SystemView {
	v := SystemView{Key: key, Type: fmt.Sprintf("%T", instance)}
	if info, ok := h.orchestrator.Describe(key); ok {
		v.Domain = info.Domain
		v.Dependencies = info.Dependencies
		v.Aliases = info.Aliases
		v.State = info.State
	}
	return v
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
