package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/starrynight/internal/lifecycle"
)

func TestPhaseAbortError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &PhaseAbortError{Phase: "core", System: "cssVariableWriter", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `bootstrap aborted in phase "core": system "cssVariableWriter": boom`, err.Error())
}

func TestBootstrapResult_JSONShape(t *testing.T) {
	t.Parallel()

	r := BootstrapResult{
		RunID:  "run-1",
		Status: StatusOK,
		Phases: map[string]PhaseResult{
			"core": {
				Name:   "core",
				Status: StatusOK,
				Systems: map[string]SystemResult{
					"deviceCapabilityDetector": {Status: StatusOK, DurationMs: 3},
				},
			},
		},
		Systems: map[string]lifecycle.State{"deviceCapabilityDetector": lifecycle.StateReady},
	}

	data, err := json.Marshal(&r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "ok", got["status"])
	_, hasError := got["error"]
	assert.False(t, hasError, "error must be omitted when empty")

	phases, ok := got["phases"].(map[string]any)
	require.True(t, ok)
	core, ok := phases["core"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "core", core["name"])
	systems, ok := core["systems"].(map[string]any)
	require.True(t, ok)
	detector, ok := systems["deviceCapabilityDetector"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 3, detector["durationMs"], 0)

	states, ok := got["systems"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(lifecycle.StateReady), states["deviceCapabilityDetector"])
}

func TestProbeResult_JSONShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ProbeResult{Name: "nats", OK: true, LatencyMs: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"nats","ok":true,"latencyMs":4}`, string(data))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Positive(t, cfg.SystemReadinessTimeout)
	assert.Greater(t, cfg.PhaseTransitionTimeout, cfg.SystemReadinessTimeout)
	assert.True(t, cfg.HealthMonitoring)
	assert.False(t, cfg.Prewarm)

	s := applyOptions([]Option{WithConfig(Config{})})
	assert.Equal(t, cfg.SystemReadinessTimeout, s.cfg.SystemReadinessTimeout)
	assert.Equal(t, cfg.PhaseTransitionTimeout, s.cfg.PhaseTransitionTimeout)
	assert.Equal(t, cfg.HealthInterval, s.cfg.HealthInterval)
	assert.NotNil(t, s.logger)
}
