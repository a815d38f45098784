// Package colordeps keeps the subsystems that must re-read the palette when
// it changes. It is independent of the bootstrap graph.
package colordeps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// RefreshFunc re-applies colors for one subsystem.
type RefreshFunc func(ctx context.Context) error

// ErrEmptyKey is returned by Register for an empty key.
var ErrEmptyKey = errors.New("color-dependent key is empty")

// Registry is a set of color-dependent subsystems. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RefreshFunc
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]RefreshFunc)}
}

// Register adds key, replacing any earlier callback. A nil refresh keeps the
// key listed without a callback.
func (r *Registry) Register(key string, refresh RefreshFunc) error {
	if key == "" {
		return ErrEmptyKey
	}
	r.mu.Lock()
	r.entries[key] = refresh
	r.mu.Unlock()
	return nil
}

// RegisterIfAbsent adds key only when it is not registered yet and reports
// whether it did. An existing callback is left untouched.
func (r *Registry) RegisterIfAbsent(key string, refresh RefreshFunc) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false, nil
	}
	r.entries[key] = refresh
	return true, nil
}

// Unregister removes key and reports whether it was present.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RefreshAll runs every callback in key order, outside the lock, and returns
// the failures keyed by subsystem. A panicking callback is reported as an
// error.
func (r *Registry) RefreshAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	fns := make(map[string]RefreshFunc, len(r.entries))
	for k, fn := range r.entries {
		if fn != nil {
			keys = append(keys, k)
			fns[k] = fn
		}
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	failures := make(map[string]error)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			failures[k] = err
			continue
		}
		if err := call(ctx, fns[k]); err != nil {
			failures[k] = err
		}
	}
	return failures
}

func call(ctx context.Context, fn RefreshFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return fn(ctx)
}
