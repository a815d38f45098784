package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) (*Recorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r, err := New(reg, WithMemorySampler(func() float64 { return 42 }))
	require.NoError(t, err)
	return r, reg
}

func TestRecorder_Snapshot(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	ctx := context.Background()

	r.SetRegistered(4)
	r.RecordInitialized(ctx, "a", "core", 10*time.Millisecond)
	r.RecordInitialized(ctx, "b", "core", 30*time.Millisecond)
	r.RecordFailed(ctx, "c", "services", 5*time.Millisecond)

	s := r.Snapshot()
	assert.Equal(t, 4, s.SystemsRegistered)
	assert.Equal(t, 2, s.SystemsInitialized)
	assert.Equal(t, 1, s.SystemsFailed)
	assert.Equal(t, []string{"c"}, s.FailedSystems)
	assert.Equal(t, 40*time.Millisecond, s.TotalInitTime)
	assert.Equal(t, 20*time.Millisecond, s.AverageInitTime)
	assert.Equal(t, 42.0, s.MemoryMB)
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestRecorder_RetryMovesFailedToReady(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	ctx := context.Background()

	r.RecordFailed(ctx, "a", "core", time.Millisecond)
	r.RecordInitialized(ctx, "a", "core", 2*time.Millisecond)

	s := r.Snapshot()
	assert.Equal(t, 1, s.SystemsInitialized)
	assert.Equal(t, 0, s.SystemsFailed)

	r.Forget("a")
	assert.Equal(t, 0, r.Snapshot().SystemsInitialized)
}

func TestRecorder_EmptySnapshot(t *testing.T) {
	t.Parallel()

	r, _ := newRecorder(t)
	s := r.Snapshot()
	assert.Zero(t, s.AverageInitTime)
	assert.Empty(t, s.InitTimes)
	assert.Nil(t, s.FailedSystems)
}

func TestRecorder_PrometheusCollectors(t *testing.T) {
	t.Parallel()

	r, reg := newRecorder(t)
	ctx := context.Background()

	r.SetRegistered(3)
	r.RecordInitialized(ctx, "a", "core", time.Millisecond)
	r.RecordFailed(ctx, "b", "core", time.Millisecond)
	r.RecordBootstrap("error", time.Second)
	r.RecordHealth(ctx, "good", 8, 10)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.prom.registered))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.ready))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.failures.WithLabelValues("b", "core")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.bootstrapRuns.WithLabelValues("error")))
	assert.InDelta(t, 0.8, testutil.ToFloat64(r.prom.healthRatio), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.healthLevel.WithLabelValues("good")))

	r.RecordHealth(ctx, "excellent", 0, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.healthRatio))
	assert.Equal(t, 1, len(mustGather(t, reg, "starrynight_health_level")))
	assert.Equal(t, 2, r.Snapshot().HealthChecks)
}

func mustGather(t *testing.T, reg *prometheus.Registry, name string) []string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var levels []string
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				levels = append(levels, l.GetValue())
			}
		}
	}
	return levels
}

func TestNew_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNew_NilRegisterer(t *testing.T) {
	t.Parallel()

	r, err := New(nil)
	require.NoError(t, err)
	r.SetRegistered(1)
	assert.Equal(t, 1, r.Snapshot().SystemsRegistered)
}
