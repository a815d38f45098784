package factory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownSystemKey is returned by Build when no recipe answers to a key.
	ErrUnknownSystemKey = errors.New("unknown system key")
	// ErrMissingDependency marks a CreationError caused by absent dependencies.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrNoBuilder is returned for a generic recipe on a factory without a fallback.
	ErrNoBuilder = errors.New("no builder registered")
	// ErrDuplicateRecipe is returned by New when two recipes share a key or alias.
	ErrDuplicateRecipe = errors.New("duplicate recipe")
)

// CreationError reports a recipe that could not produce a ready instance:
// required dependencies were absent, or the builder or Initialize failed.
type CreationError struct {
	Domain  string
	Key     string
	Missing []string
	Err     error
}

func (e *CreationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("create %s/%s: missing dependencies [%s]",
			e.Domain, e.Key, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("create %s/%s: %v", e.Domain, e.Key, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
