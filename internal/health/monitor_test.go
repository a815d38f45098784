package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/starrynight/internal/capability"
	"arc-framework/starrynight/internal/metrics"
)

// --- test doubles ---

type fakeSource struct {
	ready   atomic.Bool
	systems map[string]any
}

func (s *fakeSource) Ready() bool                { return s.ready.Load() }
func (s *fakeSource) Subsystems() map[string]any { return s.systems }

type probe struct {
	ok    bool
	calls atomic.Int32
}

func (p *probe) HealthCheck(context.Context) capability.HealthReport {
	p.calls.Add(1)
	if p.ok {
		return capability.HealthReport{OK: true}
	}
	return capability.HealthReport{OK: false, Details: "stalled"}
}

type panicking struct{}

func (panicking) HealthCheck(context.Context) capability.HealthReport { panic("probe exploded") }

type recordingListener struct {
	mu   sync.Mutex
	seen []Aggregate
	err  error
}

func (l *recordingListener) Name() string { return "recording" }

func (l *recordingListener) Publish(_ context.Context, agg Aggregate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, agg)
	return l.err
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func sourceWith(healthy, total int) *fakeSource {
	src := &fakeSource{systems: map[string]any{}}
	src.ready.Store(true)
	for i := 0; i < total; i++ {
		src.systems[fmt.Sprintf("system-%02d", i)] = &probe{ok: i < healthy}
	}
	return src
}

// --- tests ---

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		healthy, total int
		want           Level
	}{
		{10, 10, LevelExcellent},
		{9, 10, LevelExcellent},
		{8, 10, LevelGood},
		{7, 10, LevelGood},
		{6, 10, LevelDegraded},
		{5, 10, LevelDegraded},
		{3, 10, LevelCritical},
		{0, 10, LevelCritical},
		{0, 0, LevelExcellent},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.healthy, tc.total), "%d/%d", tc.healthy, tc.total)
	}
}

func TestCheck_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		healthy    int
		want       Level
		wantAdvice string
	}{
		{name: "10 of 10", healthy: 10, want: LevelExcellent},
		{name: "8 of 10", healthy: 8, want: LevelGood},
		{name: "6 of 10", healthy: 6, want: LevelDegraded, wantAdvice: "reducing visual effect quality"},
		{name: "3 of 10", healthy: 3, want: LevelCritical, wantAdvice: "performance-first mode"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := New(sourceWith(tc.healthy, 10), nil, Config{})
			agg := m.Check(context.Background())

			assert.True(t, agg.Ready)
			assert.Equal(t, tc.want, agg.Overall)
			assert.Equal(t, tc.healthy, agg.Healthy)
			assert.Equal(t, 10, agg.Total)
			assert.Len(t, agg.PerSystem, 10)

			if tc.wantAdvice == "" {
				assert.Len(t, agg.Recommendations, 10-tc.healthy, "only per-system advice")
				return
			}
			require.NotEmpty(t, agg.Recommendations)
			assert.Contains(t, agg.Recommendations[0], tc.wantAdvice)
			assert.Len(t, agg.Recommendations, 1+10-tc.healthy)
		})
	}
}

func TestCheck_NotReadyBeforeBootstrap(t *testing.T) {
	t.Parallel()

	p := &probe{ok: true}
	src := &fakeSource{systems: map[string]any{"a": p}}
	m := New(src, nil, Config{})

	agg := m.Check(context.Background())
	assert.False(t, agg.Ready)
	assert.Equal(t, LevelNotReady, agg.Overall)
	assert.Zero(t, p.calls.Load())

	_, ok := m.Last()
	assert.False(t, ok)
}

func TestCheck_NotApplicableAndPanics(t *testing.T) {
	t.Parallel()

	src := &fakeSource{systems: map[string]any{
		"plain":   struct{}{},
		"ok":      &probe{ok: true},
		"explode": panicking{},
	}}
	src.ready.Store(true)

	agg := New(src, nil, Config{}).Check(context.Background())
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.Healthy)
	assert.NotContains(t, agg.PerSystem, "plain")
	assert.False(t, agg.PerSystem["explode"].OK)
	assert.Contains(t, agg.PerSystem["explode"].Details, "panicked")
}

func TestCheck_ZeroProbedIsExcellent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{systems: map[string]any{"plain": struct{}{}}}
	src.ready.Store(true)

	agg := New(src, nil, Config{}).Check(context.Background())
	assert.Equal(t, LevelExcellent, agg.Overall)
	assert.Zero(t, agg.Total)
}

func TestCheck_CircuitOpensOnRepeatedFailure(t *testing.T) {
	t.Parallel()

	p := &probe{ok: false}
	src := &fakeSource{systems: map[string]any{"flaky": p}}
	src.ready.Store(true)
	m := New(src, nil, Config{})

	for i := 0; i < 3; i++ {
		m.Check(context.Background())
	}
	agg := m.Check(context.Background())

	assert.Equal(t, int32(3), p.calls.Load(), "breaker stops probing")
	assert.Equal(t, "circuit open", agg.PerSystem["flaky"].Details)
}

func TestCheck_PerformanceRecommendations(t *testing.T) {
	t.Parallel()

	rec, err := metrics.New(nil, metrics.WithMemorySampler(func() float64 { return 512 }))
	require.NoError(t, err)
	rec.RecordInitialized(context.Background(), "a", "core", 2*time.Second)

	cfg := Config{Thresholds: Thresholds{MaxInitTime: time.Second, MaxMemoryMB: 256}}

	off := New(sourceWith(1, 1), rec, cfg).Check(context.Background())
	assert.Empty(t, off.Recommendations, "performance monitoring disabled")

	cfg.PerformanceMonitoring = true
	on := New(sourceWith(1, 1), rec, cfg).Check(context.Background())
	require.Len(t, on.Recommendations, 2)
	assert.Contains(t, on.Recommendations[0], "initialization time")
	assert.Contains(t, on.Recommendations[1], "Memory usage")
	assert.Equal(t, 512.0, on.Metrics.MemoryMB)
}

func TestCheck_NotifiesListenersAndStoresLast(t *testing.T) {
	t.Parallel()

	good := &recordingListener{}
	bad := &recordingListener{err: errors.New("bus down")}
	m := New(sourceWith(2, 2), nil, Config{}, WithListeners(bad, good))

	agg := m.Check(context.Background())
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, agg.Timestamp, last.Timestamp)

	m.Reset()
	_, ok = m.Last()
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	l := &recordingListener{}
	m := New(sourceWith(1, 1), nil, Config{}, WithListeners(l))

	require.NoError(t, m.Start(context.Background(), 5*time.Millisecond))
	assert.ErrorIs(t, m.Start(context.Background(), time.Millisecond), ErrAlreadyRunning)
	assert.True(t, m.Running())

	assert.Eventually(t, func() bool { return l.count() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	n := l.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, l.count(), "no checks after Stop")

	m.Stop()
}

func TestStart_Rejects(t *testing.T) {
	t.Parallel()

	m := New(&fakeSource{}, nil, Config{})
	assert.ErrorIs(t, m.Start(context.Background(), time.Second), ErrNotReady)
	assert.Error(t, New(sourceWith(1, 1), nil, Config{}).Start(context.Background(), 0))
}
