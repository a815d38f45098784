// Package factory turns a subsystem key into a live, dependency-wired instance.
// A Factory owns a table of construction recipes and an instance cache; the
// theme runs two of them, one for infrastructure and one for visual systems.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arc-framework/starrynight/internal/capability"
)

// SharedLookup is the read side of the shared dependency registry.
type SharedLookup interface {
	Get(keyOrAlias string) (any, bool)
}

// Option configures a Factory.
type Option func(*Factory)

// WithShared resolves dependencies from the shared dependency registry first.
func WithShared(shared SharedLookup) Option {
	return func(f *Factory) { f.shared = shared }
}

// WithPeers lets dependency resolution fall back to other factories' caches.
// Peers are only read, never asked to construct.
func WithPeers(peers ...*Factory) Option {
	return func(f *Factory) { f.peers = append(f.peers, peers...) }
}

// WithInjections sets the setter-injection table applied after construction.
func WithInjections(injections ...Injection) Option {
	return func(f *Factory) { f.injections = append(f.injections, injections...) }
}

// WithDependencyInjection toggles the setter-injection pass.
func WithDependencyInjection(enabled bool) Option {
	return func(f *Factory) { f.inject = enabled }
}

// WithFallback sets the builder used by recipes without their own.
func WithFallback(build BuildFunc) Option {
	return func(f *Factory) { f.fallback = build }
}

// WithLogger sets the factory logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// Factory constructs and caches subsystems. It is safe for concurrent use:
// concurrent first requests for one key share a single construction.
type Factory struct {
	domain     string
	recipes    map[string]Recipe
	aliasOf    map[string]string
	shared     SharedLookup
	peers      []*Factory
	injections []Injection
	inject     bool
	fallback   BuildFunc
	logger     *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]any
}

// New builds a factory for domain from recipes. Duplicate keys and aliases that
// collide with another recipe are rejected.
func New(domain string, recipes []Recipe, opts ...Option) (*Factory, error) {
	f := &Factory{
		domain:  domain,
		recipes: make(map[string]Recipe, len(recipes)),
		aliasOf: make(map[string]string),
		inject:  true,
		cache:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("factory", domain)

	for _, r := range recipes {
		if r.Key == "" {
			return nil, fmt.Errorf("%s: %w: empty key", domain, ErrDuplicateRecipe)
		}
		if _, dup := f.recipes[r.Key]; dup {
			return nil, fmt.Errorf("%s: %w %q", domain, ErrDuplicateRecipe, r.Key)
		}
		if _, dup := f.aliasOf[r.Key]; dup {
			return nil, fmt.Errorf("%s: %w %q", domain, ErrDuplicateRecipe, r.Key)
		}
		f.recipes[r.Key] = r
	}
	for _, r := range recipes {
		for _, alias := range r.Aliases {
			if _, dup := f.recipes[alias]; dup {
				return nil, fmt.Errorf("%s: %w: alias %q shadows a recipe", domain, ErrDuplicateRecipe, alias)
			}
			if prev, dup := f.aliasOf[alias]; dup && prev != r.Key {
				return nil, fmt.Errorf("%s: %w: alias %q", domain, ErrDuplicateRecipe, alias)
			}
			f.aliasOf[alias] = r.Key
		}
	}
	return f, nil
}

// Domain names the factory ("infrastructure", "visual").
func (f *Factory) Domain() string { return f.domain }

// Has reports whether a recipe answers to key or alias.
func (f *Factory) Has(key string) bool {
	_, ok := f.resolve(key)
	return ok
}

// Keys returns the sorted recipe keys.
func (f *Factory) Keys() []string {
	keys := make([]string, 0, len(f.recipes))
	for k := range f.recipes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Recipe returns the recipe answering to key or alias.
func (f *Factory) Recipe(key string) (Recipe, bool) {
	canonical, ok := f.resolve(key)
	if !ok {
		return Recipe{}, false
	}
	return f.recipes[canonical], true
}

func (f *Factory) resolve(key string) (string, bool) {
	if _, ok := f.recipes[key]; ok {
		return key, true
	}
	canonical, ok := f.aliasOf[key]
	return canonical, ok
}

type getOptions struct {
	cacheOnly bool
}

// GetOption configures GetSystem.
type GetOption func(*getOptions)

// CacheOnly makes GetSystem return only an existing instance, never
// constructing one.
func CacheOnly() GetOption {
	return func(o *getOptions) { o.cacheOnly = true }
}

// GetSystem returns the instance for key, constructing it on first request
// unless CacheOnly is given. Unknown keys, cache-only misses and failed
// constructions all report not-found; callers routinely probe for optional
// subsystems.
func (f *Factory) GetSystem(ctx context.Context, key string, opts ...GetOption) (any, bool) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if v, ok := f.Cached(key); ok {
		return v, true
	}
	if f.shared != nil {
		if v, ok := f.shared.Get(key); ok {
			return v, true
		}
	}
	if o.cacheOnly || !f.Has(key) {
		return nil, false
	}

	v, err := f.Build(ctx, key)
	if err != nil {
		f.logger.WarnContext(ctx, "subsystem construction failed", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// Cached returns the cached instance for key or alias without constructing.
func (f *Factory) Cached(key string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.cache[key]; ok {
		return v, true
	}
	if canonical, ok := f.resolve(key); ok {
		v, ok := f.cache[canonical]
		return v, ok
	}
	return nil, false
}

// Build returns the cached instance for key or constructs, injects and
// initializes it. Failures return *CreationError; unknown keys return
// ErrUnknownSystemKey. Nothing is cached on failure.
func (f *Factory) Build(ctx context.Context, key string) (any, error) {
	canonical, ok := f.resolve(key)
	if !ok {
		return nil, fmt.Errorf("%w %q in %s factory", ErrUnknownSystemKey, key, f.domain)
	}
	if v, ok := f.Cached(canonical); ok {
		f.remember(key, canonical, v)
		return v, nil
	}

	v, err, _ := f.group.Do(canonical, func() (any, error) {
		if v, ok := f.Cached(canonical); ok {
			return v, nil
		}
		return f.construct(ctx, f.recipes[canonical])
	})
	if err != nil {
		return nil, err
	}
	f.remember(key, canonical, v)
	return v, nil
}

func (f *Factory) construct(ctx context.Context, r Recipe) (any, error) {
	start := time.Now()

	deps := Deps{Key: r.Key, Domain: f.domain, values: make(map[string]any, len(r.Dependencies)+len(r.Optional))}
	var missing []string
	for _, dep := range r.Dependencies {
		v, ok := f.lookupDependency(dep)
		if !ok {
			missing = append(missing, dep)
			continue
		}
		deps.values[dep] = v
	}
	if len(missing) > 0 {
		return nil, &CreationError{Domain: f.domain, Key: r.Key, Missing: missing, Err: ErrMissingDependency}
	}
	for _, dep := range r.Optional {
		if v, ok := f.lookupDependency(dep); ok {
			deps.values[dep] = v
		}
	}

	build := r.Build
	if build == nil {
		build = f.fallback
	}
	if build == nil {
		return nil, &CreationError{Domain: f.domain, Key: r.Key, Err: ErrNoBuilder}
	}

	instance, err := runBuild(ctx, build, deps)
	if err != nil {
		return nil, &CreationError{Domain: f.domain, Key: r.Key, Err: err}
	}

	injected := f.applyInjections(r.Key, instance)

	if err := capability.Initialize(ctx, instance); err != nil {
		if derr := capability.Destroy(ctx, instance); derr != nil {
			f.logger.WarnContext(ctx, "destroy after failed initialize", "key", r.Key, "error", derr)
		}
		return nil, &CreationError{Domain: f.domain, Key: r.Key, Err: fmt.Errorf("initialize: %w", err)}
	}

	f.mu.Lock()
	f.cache[r.Key] = instance
	f.mu.Unlock()

	f.logger.DebugContext(ctx, "subsystem constructed",
		"key", r.Key,
		"dependencies", deps.Len(),
		"injected", injected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return instance, nil
}

// runBuild calls build, converting a panic into an error.
func runBuild(ctx context.Context, build BuildFunc, deps Deps) (instance any, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance, err = nil, fmt.Errorf("builder panicked: %v", r)
		}
	}()
	instance, err = build(ctx, deps)
	if err == nil && instance == nil {
		err = errors.New("builder returned nil instance")
	}
	return instance, err
}

// lookupDependency resolves dep from the shared registry, then this factory's
// cache, then the peers' caches.
func (f *Factory) lookupDependency(dep string) (any, bool) {
	if f.shared != nil {
		if v, ok := f.shared.Get(dep); ok {
			return v, true
		}
	}
	if v, ok := f.Cached(dep); ok {
		return v, true
	}
	for _, p := range f.peers {
		if v, ok := p.Cached(dep); ok {
			return v, true
		}
	}
	return nil, false
}

// applyInjections runs the setter-injection table against instance and returns
// the names of the setters that ran.
func (f *Factory) applyInjections(key string, instance any) []string {
	if !f.inject {
		return nil
	}
	var applied []string
	for _, inj := range f.injections {
		if inj.Dependency == key {
			continue
		}
		dep, ok := f.lookupDependency(inj.Dependency)
		if !ok {
			continue
		}
		if inj.apply(instance, dep) {
			applied = append(applied, inj.Name)
		}
	}
	return applied
}

// remember caches v under the alias the caller used so later lookups by the
// same alias are a single map hit.
func (f *Factory) remember(requested, canonical string, v any) {
	if requested == canonical {
		return
	}
	f.mu.Lock()
	if _, ok := f.cache[canonical]; ok {
		f.cache[requested] = v
	}
	f.mu.Unlock()
}

// Evict drops key and every alias from the cache and returns the instance so
// the caller can destroy it.
func (f *Factory) Evict(key string) (any, bool) {
	canonical, ok := f.resolve(key)
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cache[canonical]
	delete(f.cache, canonical)
	for _, alias := range f.recipes[canonical].Aliases {
		delete(f.cache, alias)
	}
	return v, ok
}

// Instances returns the cached instances keyed by recipe key.
func (f *Factory) Instances() map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]any, len(f.cache))
	for k, v := range f.cache {
		if _, ok := f.recipes[k]; ok {
			out[k] = v
		}
	}
	return out
}
