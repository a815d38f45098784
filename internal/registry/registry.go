// Package registry holds the canonical shared singletons handed to later-phase
// consumers. Several historical names may alias one canonical key; every alias
// resolves to the same live instance.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotCanonical is returned by Set for keys that are neither canonical
	// nor aliases of a canonical key.
	ErrNotCanonical = errors.New("not a canonical shared dependency key")
	// ErrNilInstance is returned by Set when the instance is nil.
	ErrNilInstance = errors.New("nil shared dependency instance")
	// ErrAliasConflict is returned by New when an alias maps to two keys.
	ErrAliasConflict = errors.New("alias conflict")
)

// DuplicateError is returned when a canonical key is published twice.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("shared dependency %q already published", e.Key)
}

// Registry maps canonical keys to their single live instance. Set publishes an
// instance atomically; readers never observe a partially built value because
// the instance is only stored after its owner finished initializing it.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]any
	aliases   map[string]string
	canonical map[string][]string
}

// New builds a registry from canonical key -> alias list.
func New(canonical map[string][]string) (*Registry, error) {
	r := &Registry{
		instances: make(map[string]any),
		aliases:   make(map[string]string),
		canonical: make(map[string][]string, len(canonical)),
	}
	for key, aliases := range canonical {
		r.canonical[key] = append([]string(nil), aliases...)
	}
	for key, aliases := range canonical {
		for _, alias := range aliases {
			if _, clash := r.canonical[alias]; clash {
				return nil, fmt.Errorf("%w: alias %q shadows canonical key", ErrAliasConflict, alias)
			}
			if prev, dup := r.aliases[alias]; dup && prev != key {
				return nil, fmt.Errorf("%w: alias %q maps to both %q and %q", ErrAliasConflict, alias, prev, key)
			}
			r.aliases[alias] = key
		}
	}
	return r, nil
}

// Resolve maps a canonical key or alias to its canonical key.
func (r *Registry) Resolve(keyOrAlias string) (string, bool) {
	if _, ok := r.canonical[keyOrAlias]; ok {
		return keyOrAlias, true
	}
	key, ok := r.aliases[keyOrAlias]
	return key, ok
}

// IsCanonical reports whether key is a canonical key (aliases are not).
func (r *Registry) IsCanonical(key string) bool {
	_, ok := r.canonical[key]
	return ok
}

// Aliases returns the alias list of a canonical key.
func (r *Registry) Aliases(key string) []string {
	return append([]string(nil), r.canonical[key]...)
}

// Get returns the instance published under keyOrAlias.
func (r *Registry) Get(keyOrAlias string) (any, bool) {
	key, ok := r.Resolve(keyOrAlias)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.instances[key]
	return v, ok
}

// Set publishes instance under keyOrAlias's canonical key. Each canonical key
// accepts exactly one instance until it is deleted or the registry is cleared;
// a second writer receives *DuplicateError.
func (r *Registry) Set(keyOrAlias string, instance any) error {
	if instance == nil {
		return ErrNilInstance
	}
	key, ok := r.Resolve(keyOrAlias)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotCanonical, keyOrAlias)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[key]; exists {
		return &DuplicateError{Key: key}
	}
	r.instances[key] = instance
	return nil
}

// Delete removes the instance published under keyOrAlias.
func (r *Registry) Delete(keyOrAlias string) {
	key, ok := r.Resolve(keyOrAlias)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.instances, key)
	r.mu.Unlock()
}

// Clear drops every published instance. Owners remain responsible for
// destroying them.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.instances = make(map[string]any)
	r.mu.Unlock()
}

// Keys returns the sorted canonical keys that currently hold an instance.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
