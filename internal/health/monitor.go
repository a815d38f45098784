// Package health probes the live theme subsystems and folds the results into
// an aggregate level with recommendations.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"arc-framework/starrynight/internal/breaker"
	"arc-framework/starrynight/internal/capability"
	"arc-framework/starrynight/internal/metrics"
)

// Level is the aggregate health classification.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelDegraded  Level = "degraded"
	LevelCritical  Level = "critical"
	LevelNotReady  Level = "not-ready"
)

var (
	// ErrAlreadyRunning is returned by Start while polling is active.
	ErrAlreadyRunning = errors.New("health polling already running")
	// ErrNotReady is returned by Start before bootstrap has completed.
	ErrNotReady = errors.New("bootstrap not complete")
)

// Aggregate is the outcome of one health check.
type Aggregate struct {
	Ready           bool                               `json:"ready"`
	Overall         Level                              `json:"overall"`
	PerSystem       map[string]capability.HealthReport `json:"perSystem"`
	Healthy         int                                `json:"healthy"`
	Total           int                                `json:"total"`
	Recommendations []string                           `json:"recommendations"`
	Timestamp       time.Time                          `json:"timestamp"`
	Metrics         metrics.Snapshot                   `json:"metrics"`
}

// Source exposes the bootstrap state and the live subsystems to probe.
type Source interface {
	Ready() bool
	Subsystems() map[string]any
}

// Listener receives every aggregate. Errors are logged and otherwise ignored.
type Listener interface {
	Name() string
	Publish(ctx context.Context, agg Aggregate) error
}

// Thresholds bound the figures that produce performance recommendations.
type Thresholds struct {
	MaxInitTime time.Duration
	MaxMemoryMB float64
}

// Config configures a Monitor.
type Config struct {
	Thresholds            Thresholds
	PerformanceMonitoring bool
	ProbeTimeout          time.Duration
}

// Monitor runs health checks on demand and on a ticker.
type Monitor struct {
	src       Source
	recorder  *metrics.Recorder
	cfg       Config
	listeners []Listener
	logger    *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	lastMu sync.RWMutex
	last   *Aggregate

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithListeners adds listeners notified after every check.
func WithListeners(ls ...Listener) Option {
	return func(m *Monitor) { m.listeners = append(m.listeners, ls...) }
}

// WithLogger sets the monitor logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New builds a Monitor over src. recorder may be nil.
func New(src Source, recorder *metrics.Recorder, cfg Config, opts ...Option) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	m := &Monitor{
		src:      src,
		recorder: recorder,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Classify maps a healthy/total count to a level. Zero probed subsystems is
// excellent.
func Classify(healthy, total int) Level {
	if total <= 0 {
		return LevelExcellent
	}
	switch {
	case healthy*10 >= total*9:
		return LevelExcellent
	case healthy*10 >= total*7:
		return LevelGood
	case healthy*10 >= total*5:
		return LevelDegraded
	default:
		return LevelCritical
	}
}

// Check probes every live subsystem that reports health and returns the
// aggregate. Before bootstrap completes it returns a not-ready aggregate
// without probing.
func (m *Monitor) Check(ctx context.Context) Aggregate {
	agg := Aggregate{
		PerSystem: make(map[string]capability.HealthReport),
		Timestamp: time.Now().UTC(),
	}
	if m.recorder != nil {
		agg.Metrics = m.recorder.Snapshot()
	}
	if !m.src.Ready() {
		agg.Overall = LevelNotReady
		agg.Recommendations = []string{"Bootstrap has not completed; health is unavailable"}
		return agg
	}
	agg.Ready = true

	var mu sync.Mutex
	var g errgroup.Group
	for name, instance := range m.src.Subsystems() {
		if _, ok := instance.(capability.HealthChecker); !ok {
			continue
		}
		g.Go(func() error {
			report := m.probe(ctx, name, instance)
			mu.Lock()
			agg.PerSystem[name] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	agg.Total = len(agg.PerSystem)
	for _, r := range agg.PerSystem {
		if r.OK {
			agg.Healthy++
		}
	}
	agg.Overall = Classify(agg.Healthy, agg.Total)
	agg.Recommendations = m.recommend(agg)

	if m.recorder != nil {
		m.recorder.RecordHealth(ctx, string(agg.Overall), agg.Healthy, agg.Total)
	}

	m.lastMu.Lock()
	m.last = &agg
	m.lastMu.Unlock()

	m.notify(ctx, agg)
	return agg
}

// probe runs one health check behind the subsystem's circuit breaker.
func (m *Monitor) probe(ctx context.Context, name string, instance any) capability.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	var report capability.HealthReport
	_, err := m.breakerFor(name).Execute(func() (any, error) {
		report, _ = capability.Probe(ctx, instance)
		if !report.OK {
			return nil, fmt.Errorf("unhealthy: %s", report.Details)
		}
		return nil, nil
	})
	if breaker.IsOpen(err) {
		return capability.HealthReport{OK: false, Details: "circuit open"}
	}
	return report
}

func (m *Monitor) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = breaker.New("health." + name)
		m.breakers[name] = cb
	}
	return cb
}

func (m *Monitor) recommend(agg Aggregate) []string {
	var recs []string
	switch agg.Overall {
	case LevelDegraded:
		recs = append(recs, "Several subsystems are unhealthy; consider reducing visual effect quality")
	case LevelCritical:
		recs = append(recs, "Most subsystems are unhealthy; switch to performance-first mode or restart the theme runtime")
	}

	var unhealthy []string
	for name, r := range agg.PerSystem {
		if !r.OK {
			unhealthy = append(unhealthy, name)
		}
	}
	sort.Strings(unhealthy)
	for _, name := range unhealthy {
		detail := agg.PerSystem[name].Details
		if detail == "" {
			detail = "reported unhealthy"
		}
		recs = append(recs, fmt.Sprintf("Check %s: %s", name, detail))
	}

	if !m.cfg.PerformanceMonitoring {
		return recs
	}
	t := m.cfg.Thresholds
	if t.MaxInitTime > 0 && agg.Metrics.AverageInitTime > t.MaxInitTime {
		recs = append(recs, fmt.Sprintf("Average initialization time %s exceeds %s; prefer lazy initialization",
			agg.Metrics.AverageInitTime, t.MaxInitTime))
	}
	if t.MaxMemoryMB > 0 && agg.Metrics.MemoryMB > t.MaxMemoryMB {
		recs = append(recs, fmt.Sprintf("Memory usage %.1f MB exceeds %.0f MB; disable unused visual effects",
			agg.Metrics.MemoryMB, t.MaxMemoryMB))
	}
	return recs
}

func (m *Monitor) notify(ctx context.Context, agg Aggregate) {
	for _, l := range m.listeners {
		if err := l.Publish(ctx, agg); err != nil {
			m.logger.WarnContext(ctx, "health listener failed", "listener", l.Name(), "error", err)
		}
	}
}

// Last returns the most recent aggregate, if any check has run since
// bootstrap.
func (m *Monitor) Last() (Aggregate, bool) {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if m.last == nil {
		return Aggregate{}, false
	}
	return *m.last, true
}

// Start polls Check every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", interval)
	}
	if !m.src.Ready() {
		return ErrNotReady
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				agg := m.Check(ctx)
				m.logger.DebugContext(ctx, "health check",
					"overall", agg.Overall, "healthy", agg.Healthy, "total", agg.Total)
			}
		}
	}()

	m.logger.InfoContext(ctx, "health polling started", "interval", interval.String())
	return nil
}

// Stop ends polling and waits for the loop to exit. It is a no-op when
// polling is not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether polling is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Reset drops the last aggregate and breaker history, used on teardown.
func (m *Monitor) Reset() {
	m.lastMu.Lock()
	m.last = nil
	m.lastMu.Unlock()

	m.breakerMu.Lock()
	clear(m.breakers)
	m.breakerMu.Unlock()
}
