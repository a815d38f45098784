package factory

import (
	"context"
	"fmt"
)

// BuildFunc constructs a subsystem from its resolved dependencies.
type BuildFunc func(ctx context.Context, deps Deps) (any, error)

// Recipe is one construction entry of a factory. A recipe with a nil Build
// uses the factory's fallback builder.
type Recipe struct {
	Key          string
	Dependencies []string
	Optional     []string
	Aliases      []string
	Build        BuildFunc
}

// NoArg registers a constructor without dependencies.
func NoArg(key string, ctor func() any) Recipe {
	return Recipe{
		Key: key,
		Build: func(context.Context, Deps) (any, error) {
			return ctor(), nil
		},
	}
}

// WithDependency registers a constructor taking exactly one dependency of
// type D. A dependency of another type fails construction.
func WithDependency[D any](key, dependency string, ctor func(D) (any, error)) Recipe {
	return Recipe{
		Key:          key,
		Dependencies: []string{dependency},
		Build: func(_ context.Context, deps Deps) (any, error) {
			d, err := Dep[D](deps, dependency)
			if err != nil {
				return nil, err
			}
			return ctor(d)
		},
	}
}

// WithDependencies registers a builder over several resolved dependencies.
func WithDependencies(key string, dependencies []string, build BuildFunc) Recipe {
	return Recipe{
		Key:          key,
		Dependencies: append([]string(nil), dependencies...),
		Build:        build,
	}
}

// Generic registers a key built by the factory's fallback builder.
func Generic(key string, dependencies ...string) Recipe {
	return Recipe{Key: key, Dependencies: append([]string(nil), dependencies...)}
}

// Aliased returns a copy of r that also answers to aliases.
func (r Recipe) Aliased(aliases ...string) Recipe {
	r.Aliases = append(append([]string(nil), r.Aliases...), aliases...)
	return r
}

// WithOptional returns a copy of r that receives optional dependencies when
// they are available.
func (r Recipe) WithOptional(optional ...string) Recipe {
	r.Optional = append(append([]string(nil), r.Optional...), optional...)
	return r
}

// Deps carries the dependencies resolved for one construction.
type Deps struct {
	Key    string
	Domain string
	values map[string]any
}

// Get returns the dependency resolved under key.
func (d Deps) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Len returns how many dependencies were resolved.
func (d Deps) Len() int { return len(d.values) }

// Dep returns the required dependency key as a T.
func Dep[T any](d Deps, key string) (T, error) {
	var zero T
	v, ok := d.values[key]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrMissingDependency, key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dependency %q is %T, want %T", key, v, zero)
	}
	return t, nil
}

// OptionalDep returns the optional dependency key as a T when present.
func OptionalDep[T any](d Deps, key string) (T, bool) {
	v, ok := d.values[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Injection is a best-effort setter applied after construction: when the
// dependency is available and the instance implements the capability, the
// setter runs.
type Injection struct {
	Name       string
	Dependency string
	apply      func(target, dependency any) bool
}

// Inject builds an Injection for instances implementing T receiving a D.
func Inject[T any, D any](name, dependency string, set func(T, D)) Injection {
	return Injection{
		Name:       name,
		Dependency: dependency,
		apply: func(target, dependency any) bool {
			t, ok := target.(T)
			if !ok {
				return false
			}
			d, ok := dependency.(D)
			if !ok {
				return false
			}
			set(t, d)
			return true
		},
	}
}
