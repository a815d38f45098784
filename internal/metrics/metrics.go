// Package metrics records bootstrap and health figures for the theme runtime.
// A Recorder keeps an in-process snapshot, exports Prometheus collectors on
// the registerer it is given and mirrors the hot paths to the OTEL meter.
package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	namespace = "starrynight"
	subsystem = "bootstrap"
)

var meter = otel.Meter("starrynight.bootstrap")

var (
	initLatency  metric.Float64Histogram
	initFailures metric.Int64Counter
	healthChecks metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the OTEL instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		initLatency, err = meter.Float64Histogram(
			"starrynight_system_init_duration_seconds",
			metric.WithDescription("Duration of subsystem construction and initialization"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		initFailures, err = meter.Int64Counter(
			"starrynight_system_init_failures_total",
			metric.WithDescription("Total subsystem initialization failures"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		healthChecks, err = meter.Int64Counter(
			"starrynight_health_checks_total",
			metric.WithDescription("Total aggregate health checks by level"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// Snapshot is a point-in-time view of the recorder.
type Snapshot struct {
	SystemsRegistered  int                      `json:"systemsRegistered"`
	SystemsInitialized int                      `json:"systemsInitialized"`
	SystemsFailed      int                      `json:"systemsFailed"`
	FailedSystems      []string                 `json:"failedSystems,omitempty"`
	TotalInitTime      time.Duration            `json:"totalInitTimeNs"`
	AverageInitTime    time.Duration            `json:"averageInitTimeNs"`
	InitTimes          map[string]time.Duration `json:"initTimesNs"`
	MemoryMB           float64                  `json:"memoryMb"`
	HealthChecks       int                      `json:"healthChecks"`
	UpdatedAt          time.Time                `json:"updatedAt"`
}

type collectors struct {
	initDuration      *prometheus.HistogramVec
	failures          *prometheus.CounterVec
	ready             prometheus.Gauge
	registered        prometheus.Gauge
	bootstrapRuns     *prometheus.CounterVec
	bootstrapDuration prometheus.Histogram
	healthRatio       prometheus.Gauge
	healthLevel       *prometheus.GaugeVec
}

func newCollectors() *collectors {
	return &collectors{
		initDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "system_init_duration_seconds",
				Help:      "Subsystem construction and initialization duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase", "outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "system_failures_total",
				Help:      "Subsystems that failed to reach ready.",
			},
			[]string{"system", "phase"},
		),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "systems_ready",
			Help:      "Subsystems currently ready.",
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "systems_registered",
			Help:      "Subsystems declared in the phase plan.",
		}),
		bootstrapRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "runs_total",
				Help:      "Bootstrap runs by final status.",
			},
			[]string{"status"},
		),
		bootstrapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Bootstrap run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		healthRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "healthy_ratio",
			Help:      "Fraction of probed subsystems reporting healthy.",
		}),
		healthLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "level",
				Help:      "1 for the current aggregate health level, 0 otherwise.",
			},
			[]string{"level"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.initDuration, c.failures, c.ready, c.registered,
		c.bootstrapRuns, c.bootstrapDuration, c.healthRatio, c.healthLevel,
	}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMemorySampler replaces the runtime heap sampler.
func WithMemorySampler(sample func() float64) Option {
	return func(r *Recorder) { r.memory = sample }
}

// Recorder accumulates bootstrap metrics. Safe for concurrent use.
type Recorder struct {
	prom   *collectors
	memory func() float64

	mu         sync.Mutex
	registered int
	initTimes  map[string]time.Duration
	failed     map[string]time.Duration
	checks     int
	updated    time.Time
}

// New builds a Recorder and registers its collectors on reg. A nil reg skips
// Prometheus registration.
func New(reg prometheus.Registerer, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		prom:      newCollectors(),
		memory:    heapMB,
		initTimes: make(map[string]time.Duration),
		failed:    make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(r)
	}
	if reg != nil {
		for _, c := range r.prom.all() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register bootstrap metrics: %w", err)
			}
		}
	}
	return r, nil
}

func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

// SetRegistered records how many subsystems the plan declares.
func (r *Recorder) SetRegistered(n int) {
	r.mu.Lock()
	r.registered = n
	r.updated = time.Now()
	r.mu.Unlock()
	r.prom.registered.Set(float64(n))
}

// RecordInitialized records that name reached ready after d.
func (r *Recorder) RecordInitialized(ctx context.Context, name, phase string, d time.Duration) {
	r.mu.Lock()
	r.initTimes[name] = d
	delete(r.failed, name)
	ready := len(r.initTimes)
	r.updated = time.Now()
	r.mu.Unlock()

	r.prom.initDuration.WithLabelValues(phase, "ready").Observe(d.Seconds())
	r.prom.ready.Set(float64(ready))

	if err := initMetrics(); err != nil {
		return
	}
	initLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("system", name),
		attribute.String("phase", phase),
		attribute.Bool("success", true),
	))
}

// RecordFailed records that name failed after d.
func (r *Recorder) RecordFailed(ctx context.Context, name, phase string, d time.Duration) {
	r.mu.Lock()
	r.failed[name] = d
	delete(r.initTimes, name)
	ready := len(r.initTimes)
	r.updated = time.Now()
	r.mu.Unlock()

	r.prom.initDuration.WithLabelValues(phase, "failed").Observe(d.Seconds())
	r.prom.failures.WithLabelValues(name, phase).Inc()
	r.prom.ready.Set(float64(ready))

	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("system", name),
		attribute.String("phase", phase),
		attribute.Bool("success", false),
	)
	initLatency.Record(ctx, d.Seconds(), attrs)
	initFailures.Add(ctx, 1, attrs)
}

// Forget drops name from the snapshot, used when a subsystem is torn down.
func (r *Recorder) Forget(name string) {
	r.mu.Lock()
	delete(r.initTimes, name)
	delete(r.failed, name)
	ready := len(r.initTimes)
	r.updated = time.Now()
	r.mu.Unlock()
	r.prom.ready.Set(float64(ready))
}

// RecordBootstrap records one finished bootstrap run.
func (r *Recorder) RecordBootstrap(status string, d time.Duration) {
	r.prom.bootstrapRuns.WithLabelValues(status).Inc()
	r.prom.bootstrapDuration.Observe(d.Seconds())
}

// RecordHealth records one aggregate health check.
func (r *Recorder) RecordHealth(ctx context.Context, level string, healthy, total int) {
	r.mu.Lock()
	r.checks++
	r.mu.Unlock()

	ratio := 1.0
	if total > 0 {
		ratio = float64(healthy) / float64(total)
	}
	r.prom.healthRatio.Set(ratio)
	r.prom.healthLevel.Reset()
	r.prom.healthLevel.WithLabelValues(level).Set(1)

	if err := initMetrics(); err != nil {
		return
	}
	healthChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// Snapshot returns the current figures. AverageInitTime is over subsystems
// that reached ready.
func (r *Recorder) Snapshot() Snapshot {
	mem := r.memory()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		SystemsRegistered:  r.registered,
		SystemsInitialized: len(r.initTimes),
		SystemsFailed:      len(r.failed),
		InitTimes:          make(map[string]time.Duration, len(r.initTimes)),
		MemoryMB:           mem,
		HealthChecks:       r.checks,
		UpdatedAt:          r.updated,
	}
	for name, d := range r.initTimes {
		s.InitTimes[name] = d
		s.TotalInitTime += d
	}
	if n := len(r.initTimes); n > 0 {
		s.AverageInitTime = s.TotalInitTime / time.Duration(n)
	}
	for name := range r.failed {
		s.FailedSystems = append(s.FailedSystems, name)
	}
	sort.Strings(s.FailedSystems)
	return s
}
