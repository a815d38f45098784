package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/starrynight/internal/metrics"
	"arc-framework/starrynight/internal/orchestrator"
	"arc-framework/starrynight/internal/subsystems"
)

// TestBootstrapFlow_202ThenReady drives the real theme catalog over HTTP:
//  1. cacheOnly lookups miss before bootstrap
//  2. POST /api/v1/bootstrap → 202 Accepted
//  3. GET /ready eventually → 200 once the background run completes
//  4. aliases resolve to the published shared instance
//  5. PUT /api/v1/palette refreshes the color-dependent systems
func TestBootstrapFlow_202ThenReady(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig()
	cfg.HealthMonitoring = false
	o, err := orchestrator.NewTheme(orchestrator.ThemeConfig{
		Profile:             subsystems.ProfileFor(subsystems.ModeProgressive),
		Hints:               subsystems.DeviceHints{Cores: 4},
		DependencyInjection: true,
	}, orchestrator.WithConfig(cfg), orchestrator.WithMetrics(rec), orchestrator.WithLogger(noopLogger()))
	require.NoError(t, err)

	router := NewRouter(o, WithGatherer(reg), WithLogger(noopLogger()))
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	client := srv.Client()

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusNotFound, get("/api/v1/systems/performanceCoordinator?cacheOnly=true").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/api/v1/health").StatusCode)

	resp, err := client.Post(srv.URL+"/api/v1/bootstrap", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "bootstrap should return 202 Accepted")

	var bootstrapBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bootstrapBody))
	assert.Equal(t, "accepted", bootstrapBody["status"])

	assert.Eventually(t, func() bool {
		r, err := client.Get(srv.URL + "/ready")
		if err != nil {
			return false
		}
		r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "GET /ready should return 200 after bootstrap completes")

	var view SystemView
	require.NoError(t, json.NewDecoder(get("/api/v1/shared/performanceAnalyzer").Body).Decode(&view))
	assert.Equal(t, "*subsystems.PerformanceCoordinator", view.Type)

	r := get("/api/v1/systems/beatPulse?cacheOnly=true")
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.NoError(t, json.NewDecoder(r.Body).Decode(&view))
	assert.Equal(t, "ready", string(view.State))

	assert.Equal(t, http.StatusOK, get("/api/v1/health").StatusCode)
	assert.Equal(t, http.StatusOK, get("/api/v1/health?cached=true").StatusCode)
	assert.Equal(t, http.StatusOK, get("/metrics").StatusCode)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/palette", strings.NewReader(`{"accent":"#a6e3a1"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	put, err := client.Do(req)
	require.NoError(t, err)
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode)
	var palette struct {
		Generation      int      `json:"generation"`
		ColorDependents []string `json:"colorDependents"`
	}
	require.NoError(t, json.NewDecoder(put.Body).Decode(&palette))
	assert.Equal(t, 2, palette.Generation)
	assert.Contains(t, palette.ColorDependents, subsystems.KeyGradientController)

	css, ok := o.GetSharedDependency(subsystems.KeyCSSVariableWriter)
	require.True(t, ok)
	accent, _ := css.(*subsystems.CSSVariableWriter).Value("--sn-" + subsystems.KeyGradientController + "-accent")
	assert.Equal(t, "#a6e3a1", accent)
}
