// Package orchestrator drives the phased bootstrap of the theme subsystems and
// is the single entry point for looking them up afterwards.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"arc-framework/starrynight/internal/colordeps"
	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/graph"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/lifecycle"
	"arc-framework/starrynight/internal/metrics"
	"arc-framework/starrynight/internal/registry"
)

// Sink receives every health aggregate and can be probed for deep health.
// Satisfied by *sinks.NATSPublisher and *sinks.RedisStore.
type Sink interface {
	health.Listener
	Probe(ctx context.Context) ProbeResult
}

// bootstrapPublisher is implemented by sinks that also record bootstrap
// results.
type bootstrapPublisher interface {
	PublishBootstrap(ctx context.Context, r BootstrapResult) error
}

// colorDependent is implemented by subsystems that re-read the palette.
type colorDependent interface {
	RefreshColors(ctx context.Context) error
}

// paletteSource is implemented by the subsystem owning the palette. The
// orchestrator hooks it to RefreshColorDependents.
type paletteSource interface {
	OnPaletteChange(fn func(ctx context.Context))
}

// healthStore is implemented by sinks that keep the last aggregate across
// restarts.
type healthStore interface {
	Last(ctx context.Context) (health.Aggregate, bool, error)
}

type settings struct {
	cfg       Config
	healthCfg health.Config
	recorder  *metrics.Recorder
	sinks     []Sink
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*settings)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithHealthConfig sets the health monitor thresholds.
func WithHealthConfig(cfg health.Config) Option {
	return func(s *settings) { s.healthCfg = cfg }
}

// WithMetrics sets the metrics recorder. Without one an unregistered recorder
// is used.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *settings) { s.recorder = rec }
}

// WithSinks adds health sinks.
func WithSinks(sinks ...Sink) Option {
	return func(s *settings) { s.sinks = append(s.sinks, sinks...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func applyOptions(opts []Option) settings {
	s := settings{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	def := DefaultConfig()
	if s.cfg.SystemReadinessTimeout <= 0 {
		s.cfg.SystemReadinessTimeout = def.SystemReadinessTimeout
	}
	if s.cfg.PhaseTransitionTimeout <= 0 {
		s.cfg.PhaseTransitionTimeout = def.PhaseTransitionTimeout
	}
	if s.cfg.HealthInterval <= 0 {
		s.cfg.HealthInterval = def.HealthInterval
	}
	return s
}

// Orchestrator runs bootstrap phases, owns the lifecycle state of every
// planned system and answers lookups.
type Orchestrator struct {
	plan      *graph.Plan
	shared    *registry.Registry
	factories []*factory.Factory
	owners    map[string]*factory.Factory
	machine   *lifecycle.Machine
	colors    *colordeps.Registry
	// autoColors holds the color-dependent keys the orchestrator registered
	// itself; caller registrations are never removed by teardown.
	autoColors map[string]struct{}
	colorMu    sync.Mutex
	monitor    *health.Monitor
	recorder   *metrics.Recorder
	sinks      []Sink
	cfg        Config
	logger     *slog.Logger

	bootstrapInProgress atomic.Bool
	bootstrapped        atomic.Bool
	lastResult          *BootstrapResult
	resultMu            sync.RWMutex
}

// New validates plan and builds an Orchestrator over the shared registry and
// factories. Every planned system must have a recipe in one of the factories.
func New(plan *graph.Plan, shared *registry.Registry, factories []*factory.Factory, opts ...Option) (*Orchestrator, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase plan: %w", err)
	}
	s := applyOptions(opts)

	o := &Orchestrator{
		plan:       plan,
		shared:     shared,
		factories:  factories,
		owners:     make(map[string]*factory.Factory, len(plan.Descriptors)),
		machine:    lifecycle.NewMachine(plan.Names()...),
		colors:     colordeps.New(),
		autoColors: make(map[string]struct{}),
		recorder:   s.recorder,
		sinks:      s.sinks,
		cfg:        s.cfg,
		logger:     s.logger,
	}
	for _, d := range plan.Descriptors {
		f := o.ownerOf(d.Name)
		if f == nil {
			return nil, &graph.SystemError{System: d.Name, Err: factory.ErrUnknownSystemKey}
		}
		o.owners[d.Name] = f
	}
	if o.recorder == nil {
		rec, err := metrics.New(nil)
		if err != nil {
			return nil, err
		}
		o.recorder = rec
	}
	o.recorder.SetRegistered(len(plan.Descriptors))

	listeners := make([]health.Listener, 0, len(s.sinks))
	for _, sink := range s.sinks {
		listeners = append(listeners, sink)
	}
	o.monitor = health.New(o, o.recorder, s.healthCfg,
		health.WithListeners(listeners...), health.WithLogger(o.logger))
	return o, nil
}

func (o *Orchestrator) ownerOf(key string) *factory.Factory {
	for _, f := range o.factories {
		if f.Has(key) {
			return f
		}
	}
	return nil
}

// Plan returns the phase plan.
func (o *Orchestrator) Plan() *graph.Plan { return o.plan }

// Ready reports whether the last bootstrap completed and nothing has torn
// it down since.
func (o *Orchestrator) Ready() bool { return o.bootstrapped.Load() }

// IsReady is an alias of Ready kept for the HTTP readiness probe.
func (o *Orchestrator) IsReady() bool { return o.Ready() }

// IsBootstrapInProgress returns true while a bootstrap run is active.
func (o *Orchestrator) IsBootstrapInProgress() bool {
	return o.bootstrapInProgress.Load()
}

// LastResult returns the result of the most recent bootstrap run.
func (o *Orchestrator) LastResult() (*BootstrapResult, bool) {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult, o.lastResult != nil
}

func (o *Orchestrator) storeResult(r *BootstrapResult) {
	o.resultMu.Lock()
	o.lastResult = r
	o.resultMu.Unlock()
}

// States returns the lifecycle state of every planned system.
func (o *Orchestrator) States() map[string]lifecycle.State {
	return o.machine.Snapshot()
}

// Subsystems returns every live instance across both factories, keyed by
// recipe key.
func (o *Orchestrator) Subsystems() map[string]any {
	out := make(map[string]any)
	for _, f := range o.factories {
		for k, v := range f.Instances() {
			out[k] = v
		}
	}
	return out
}

// GetSystem returns the subsystem for key or alias. Shared instances win;
// otherwise the owning factory returns its cached instance or, unless
// factory.CacheOnly is given, constructs one. Unknown keys are not found.
func (o *Orchestrator) GetSystem(ctx context.Context, key string, opts ...factory.GetOption) (any, bool) {
	if v, ok := o.shared.Get(key); ok {
		return v, true
	}
	f := o.ownerOf(key)
	if f == nil {
		return nil, false
	}
	return f.GetSystem(ctx, key, opts...)
}

// GetSharedDependency returns the published instance for a canonical key or
// alias.
func (o *Orchestrator) GetSharedDependency(key string) (any, bool) {
	return o.shared.Get(key)
}

// PerformHealthCheck runs one aggregate health check now.
func (o *Orchestrator) PerformHealthCheck(ctx context.Context) health.Aggregate {
	return o.monitor.Check(ctx)
}

// LastHealth returns the most recent aggregate health without running a
// check. Before the first check of this process it falls back to the sinks
// that persist the last aggregate.
func (o *Orchestrator) LastHealth(ctx context.Context) (health.Aggregate, bool) {
	if agg, ok := o.monitor.Last(); ok {
		return agg, true
	}
	for _, s := range o.sinks {
		store, ok := s.(healthStore)
		if !ok {
			continue
		}
		agg, found, err := store.Last(ctx)
		if err != nil {
			o.logger.WarnContext(ctx, "last health not readable", "sink", s.Name(), "error", err)
			continue
		}
		if found {
			return agg, true
		}
	}
	return health.Aggregate{}, false
}

// GetMetrics returns the current metrics snapshot.
func (o *Orchestrator) GetMetrics() metrics.Snapshot {
	return o.recorder.Snapshot()
}

// RegisterColorDependentSystem adds key to the set refreshed on palette
// changes, replacing an automatic registration for the same key. refresh may
// be nil. The entry stays until the caller unregisters it.
func (o *Orchestrator) RegisterColorDependentSystem(key string, refresh colordeps.RefreshFunc) error {
	o.colorMu.Lock()
	defer o.colorMu.Unlock()
	if err := o.colors.Register(key, refresh); err != nil {
		return err
	}
	delete(o.autoColors, key)
	return nil
}

// UnregisterColorDependentSystem removes key and reports whether it was
// registered.
func (o *Orchestrator) UnregisterColorDependentSystem(key string) bool {
	o.colorMu.Lock()
	defer o.colorMu.Unlock()
	delete(o.autoColors, key)
	return o.colors.Unregister(key)
}

// ColorDependentSystems returns the registered color-dependent keys.
func (o *Orchestrator) ColorDependentSystems() []string {
	return o.colors.Keys()
}

// RefreshColorDependents runs every registered refresh callback and returns
// the failures.
func (o *Orchestrator) RefreshColorDependents(ctx context.Context) map[string]error {
	failures := o.colors.RefreshAll(ctx)
	if len(failures) > 0 {
		keys := make([]string, 0, len(failures))
		for k := range failures {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		o.logger.WarnContext(ctx, "color refresh failures", "systems", keys)
	}
	return failures
}

// trackColors registers a live instance that can refresh its colors, unless
// the caller already registered key, and hooks a palette owner to the
// refresh.
func (o *Orchestrator) trackColors(key string, instance any) {
	if ps, ok := instance.(paletteSource); ok {
		ps.OnPaletteChange(func(ctx context.Context) { o.RefreshColorDependents(ctx) })
	}
	cd, ok := instance.(colorDependent)
	if !ok {
		return
	}
	o.colorMu.Lock()
	defer o.colorMu.Unlock()
	if added, err := o.colors.RegisterIfAbsent(key, cd.RefreshColors); err == nil && added {
		o.autoColors[key] = struct{}{}
	}
}

// untrackColors drops key when the orchestrator registered it.
func (o *Orchestrator) untrackColors(key string) {
	o.colorMu.Lock()
	defer o.colorMu.Unlock()
	if _, auto := o.autoColors[key]; auto {
		delete(o.autoColors, key)
		o.colors.Unregister(key)
	}
}

func (o *Orchestrator) untrackAllColors() {
	o.colorMu.Lock()
	defer o.colorMu.Unlock()
	for key := range o.autoColors {
		o.colors.Unregister(key)
	}
	clear(o.autoColors)
}

// SystemInfo describes how a system is built and published.
type SystemInfo struct {
	Key          string          `json:"key"`
	Domain       string          `json:"domain"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Aliases      []string        `json:"aliases,omitempty"`
	State        lifecycle.State `json:"state,omitempty"`
}

// Describe returns the recipe and publication details of key or alias.
func (o *Orchestrator) Describe(key string) (SystemInfo, bool) {
	canonical := key
	if c, ok := o.shared.Resolve(key); ok {
		canonical = c
	}
	f := o.ownerOf(canonical)
	if f == nil {
		return SystemInfo{}, false
	}
	recipe, ok := f.Recipe(canonical)
	if !ok {
		return SystemInfo{}, false
	}
	info := SystemInfo{
		Key:          recipe.Key,
		Domain:       f.Domain(),
		Dependencies: recipe.Dependencies,
		Aliases:      recipe.Aliases,
	}
	if o.shared.IsCanonical(recipe.Key) {
		info.Aliases = o.shared.Aliases(recipe.Key)
	}
	if state, err := o.machine.State(recipe.Key); err == nil {
		info.State = state
	}
	return info, true
}
