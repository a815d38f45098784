package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry is the state of one system plus the channel closed on its next
// transition. Waiters grab the channel under the lock and block on it outside.
type entry struct {
	state   State
	changed chan struct{}
	since   time.Time
}

// Machine holds the state of every registered system. Only the orchestrator
// task that owns a system writes its state; any goroutine may read or wait.
type Machine struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMachine registers names in StateUninitialized.
func NewMachine(names ...string) *Machine {
	m := &Machine{
		entries: make(map[string]*entry, len(names)),
		now:     time.Now,
	}
	m.Register(names...)
	return m
}

// Register adds names in StateUninitialized. Already registered names are left
// untouched.
func (m *Machine) Register(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, ok := m.entries[name]; ok {
			continue
		}
		m.entries[name] = &entry{
			state:   StateUninitialized,
			changed: make(chan struct{}),
			since:   m.now(),
		}
	}
}

// State returns the current state of name.
func (m *Machine) State(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownSystem, name)
	}
	return e.state, nil
}

// Transition moves name to the next state and wakes every waiter.
func (m *Machine) Transition(name string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSystem, name)
	}
	if err := ValidateTransition(e.state, to); err != nil {
		return fmt.Errorf("system %q: %w", name, err)
	}
	m.set(e, to)
	return nil
}

// Reset returns a failed or destroyed system to StateUninitialized so a new
// bootstrap run can retry it. Other states are left unchanged and reported as
// false.
func (m *Machine) Reset(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownSystem, name)
	}
	if e.state != StateFailed && e.state != StateDestroyed {
		return false, nil
	}
	m.set(e, StateUninitialized)
	return true, nil
}

func (m *Machine) set(e *entry, to State) {
	e.state = to
	e.since = m.now()
	close(e.changed)
	e.changed = make(chan struct{})
}

// Snapshot returns a copy of every system's state.
func (m *Machine) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.state
	}
	return out
}

// InState returns the sorted names currently in state s.
func (m *Machine) InState(s State) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, e := range m.entries {
		if e.state == s {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// AwaitReady blocks until name is ready. It returns immediately when the system
// is already ready (nil) or failed (*DependencyFailedError). Otherwise it waits
// for a state change, up to timeout, returning *DependencyTimeoutError on
// expiry. A non-positive timeout never blocks. Waiting has no side effects.
func (m *Machine) AwaitReady(ctx context.Context, name string, timeout time.Duration) error {
	start := m.now()
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	for {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w %q", ErrUnknownSystem, name)
		}
		state, changed := e.state, e.changed
		m.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateFailed:
			return &DependencyFailedError{System: name}
		}

		if timeout <= 0 {
			return &DependencyTimeoutError{System: name, Elapsed: 0}
		}

		select {
		case <-changed:
		case <-timer.C:
			return &DependencyTimeoutError{System: name, Elapsed: m.now().Sub(start)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
