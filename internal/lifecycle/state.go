// Package lifecycle tracks the per-system state machine and provides the
// readiness gate dependents block on before they are built.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of one bootstrapable system.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateDestroyed     State = "destroyed"
)

// allowedTransitions lists every legal edge. failed and destroyed may return to
// uninitialized only through Reset, which a new bootstrap run performs.
var allowedTransitions = map[State]map[State]struct{}{
	StateUninitialized: {
		StateInitializing: {},
	},
	StateInitializing: {
		StateReady:  {},
		StateFailed: {},
	},
	StateReady: {
		StateDestroyed: {},
	},
	StateFailed: {
		StateDestroyed:     {},
		StateUninitialized: {},
	},
	StateDestroyed: {
		StateUninitialized: {},
	},
}

var (
	// ErrUnknownSystem is returned for names never registered with the Machine.
	ErrUnknownSystem = errors.New("unknown system")
	// ErrInvalidTransition is returned when a transition is not in the table.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidateTransition reports whether from -> to is a legal edge.
func ValidateTransition(from, to State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// DependencyFailedError is returned by AwaitReady when the dependency is
// already failed.
type DependencyFailedError struct {
	System string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("dependency %q failed", e.System)
}

// DependencyTimeoutError is returned by AwaitReady when the dependency did not
// become ready within the timeout.
type DependencyTimeoutError struct {
	System  string
	Elapsed time.Duration
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("dependency %q not ready after %s", e.System, e.Elapsed.Round(time.Millisecond))
}
