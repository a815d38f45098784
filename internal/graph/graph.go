// Package graph declares the bootstrapable systems, their dependencies and the
// ordered phases the orchestrator executes. A Plan is built once and is
// read-only afterwards.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Phase names an ordered batch of systems that are started concurrently.
type Phase string

// Descriptor declares one bootstrapable system.
type Descriptor struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	Phase        Phase    `json:"phase"`
}

// Plan is the static contract the orchestrator executes against.
type Plan struct {
	Phases      []Phase      `json:"phases"`
	Descriptors []Descriptor `json:"systems"`

	index map[string]int
}

var (
	// ErrEmptyPlan is returned when a plan declares no phases or no systems.
	ErrEmptyPlan = errors.New("plan declares no phases or systems")
	// ErrDuplicateSystem is returned when a system name is declared twice.
	ErrDuplicateSystem = errors.New("duplicate system")
	// ErrDuplicatePhase is returned when a phase appears twice in the phase order.
	ErrDuplicatePhase = errors.New("duplicate phase")
	// ErrUnknownPhase is returned when a descriptor references an undeclared phase.
	ErrUnknownPhase = errors.New("unknown phase")
)

// UnknownDependencyError reports a dependency that is never declared.
type UnknownDependencyError struct {
	System     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("system %q depends on undeclared system %q", e.System, e.Dependency)
}

// CycleError reports a dependency cycle. Path starts and ends with the same name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// PhaseOrderError reports a dependency declared in a later phase than its dependent.
type PhaseOrderError struct {
	System          string
	SystemPhase     Phase
	Dependency      string
	DependencyPhase Phase
}

func (e *PhaseOrderError) Error() string {
	return fmt.Sprintf("system %q (phase %s) depends on %q from later phase %s",
		e.System, e.SystemPhase, e.Dependency, e.DependencyPhase)
}

// SystemError attaches a system name to a sentinel error.
type SystemError struct {
	System string
	Err    error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system %q: %v", e.System, e.Err) }

func (e *SystemError) Unwrap() error { return e.Err }

// NewPlan builds a plan from an ordered phase list and descriptors. The plan is
// not validated; call Validate before executing it.
func NewPlan(phases []Phase, descriptors ...Descriptor) *Plan {
	p := &Plan{
		Phases:      append([]Phase(nil), phases...),
		Descriptors: make([]Descriptor, 0, len(descriptors)),
		index:       make(map[string]int, len(descriptors)),
	}
	for _, d := range descriptors {
		d.Dependencies = append([]string(nil), d.Dependencies...)
		if _, exists := p.index[d.Name]; !exists {
			p.index[d.Name] = len(p.Descriptors)
		}
		p.Descriptors = append(p.Descriptors, d)
	}
	return p
}

// Validate fails fast on the first structural problem: duplicate names or
// phases, descriptors in undeclared phases, undeclared dependencies,
// dependencies placed in a later phase, and cycles.
func (p *Plan) Validate() error {
	if len(p.Phases) == 0 || len(p.Descriptors) == 0 {
		return ErrEmptyPlan
	}

	phaseRank := make(map[Phase]int, len(p.Phases))
	for i, ph := range p.Phases {
		if _, dup := phaseRank[ph]; dup {
			return fmt.Errorf("phase %q: %w", ph, ErrDuplicatePhase)
		}
		phaseRank[ph] = i
	}

	seen := make(map[string]Descriptor, len(p.Descriptors))
	for _, d := range p.Descriptors {
		if _, dup := seen[d.Name]; dup {
			return &SystemError{System: d.Name, Err: ErrDuplicateSystem}
		}
		if _, ok := phaseRank[d.Phase]; !ok {
			return &SystemError{System: d.Name, Err: fmt.Errorf("%w %q", ErrUnknownPhase, d.Phase)}
		}
		seen[d.Name] = d
	}

	for _, d := range p.Descriptors {
		for _, dep := range d.Dependencies {
			depDesc, ok := seen[dep]
			if !ok {
				return &UnknownDependencyError{System: d.Name, Dependency: dep}
			}
			if phaseRank[depDesc.Phase] > phaseRank[d.Phase] {
				return &PhaseOrderError{
					System:          d.Name,
					SystemPhase:     d.Phase,
					Dependency:      dep,
					DependencyPhase: depDesc.Phase,
				}
			}
		}
	}

	return p.detectCycles()
}

// detectCycles walks the dependency edges depth-first in declaration order so
// the reported path is deterministic.
func (p *Plan) detectCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(p.Descriptors))
	path := make([]string, 0, len(p.Descriptors))

	var visit func(name string) error
	visit = func(name string) error {
		marks[name] = visiting
		path = append(path, name)

		d, _ := p.Lookup(name)
		for _, dep := range d.Dependencies {
			switch marks[dep] {
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			case visiting:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		marks[name] = done
		return nil
	}

	for _, d := range p.Descriptors {
		if marks[d.Name] == unvisited {
			if err := visit(d.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the descriptor declared under name.
func (p *Plan) Lookup(name string) (Descriptor, bool) {
	if p.index == nil {
		// Plan literal built without NewPlan.
		for _, d := range p.Descriptors {
			if d.Name == name {
				return d, true
			}
		}
		return Descriptor{}, false
	}
	i, ok := p.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return p.Descriptors[i], true
}

// Phase returns the descriptors of phase ph in declaration order.
func (p *Plan) Phase(ph Phase) []Descriptor {
	var out []Descriptor
	for _, d := range p.Descriptors {
		if d.Phase == ph {
			out = append(out, d)
		}
	}
	return out
}

// Names returns every declared system name in declaration order.
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.Descriptors))
	for _, d := range p.Descriptors {
		names = append(names, d.Name)
	}
	return names
}

// Dependents returns the names of systems that directly depend on name, sorted.
func (p *Plan) Dependents(name string) []string {
	var out []string
	for _, d := range p.Descriptors {
		for _, dep := range d.Dependencies {
			if dep == name {
				out = append(out, d.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns the names ordered so that every dependency precedes
// its dependents. Phase order is respected and ties keep declaration order.
// The plan must be valid.
func (p *Plan) TopologicalOrder() []string {
	placed := make(map[string]bool, len(p.Descriptors))
	order := make([]string, 0, len(p.Descriptors))

	var place func(name string)
	place = func(name string) {
		if placed[name] {
			return
		}
		placed[name] = true
		d, _ := p.Lookup(name)
		for _, dep := range d.Dependencies {
			place(dep)
		}
		order = append(order, name)
	}

	for _, ph := range p.Phases {
		for _, d := range p.Phase(ph) {
			place(d.Name)
		}
	}
	return order
}

// TeardownOrder is the reverse of TopologicalOrder: dependents first.
func (p *Plan) TeardownOrder() []string {
	order := p.TopologicalOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
