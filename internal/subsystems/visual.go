package subsystems

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"arc-framework/starrynight/internal/capability"
)

// VisualEffectsCoordinator tracks the effects attached to the theme and
// pushes the shared quality scale to them.
type VisualEffectsCoordinator struct {
	perf *PerformanceCoordinator
	css  *CSSVariableWriter

	mu      sync.RWMutex
	music   *MusicSyncService
	color   *ColorHarmonyEngine
	effects map[string]*Effect
}

// NewVisualEffectsCoordinator returns a coordinator with no effects attached.
func NewVisualEffectsCoordinator(perf *PerformanceCoordinator, css *CSSVariableWriter) (*VisualEffectsCoordinator, error) {
	if perf == nil || css == nil {
		return nil, errors.New("visual effects coordinator: performance coordinator and css writer are required")
	}
	return &VisualEffectsCoordinator{perf: perf, css: css, effects: make(map[string]*Effect)}, nil
}

func (v *VisualEffectsCoordinator) SetMusicSync(m *MusicSyncService) {
	v.mu.Lock()
	v.music = m
	v.mu.Unlock()
}

func (v *VisualEffectsCoordinator) SetColorEngine(c *ColorHarmonyEngine) {
	v.mu.Lock()
	v.color = c
	v.mu.Unlock()
}

// Attach registers e. A second effect with the same key replaces the first.
func (v *VisualEffectsCoordinator) Attach(e *Effect) {
	v.mu.Lock()
	v.effects[e.Key()] = e
	v.mu.Unlock()
}

// Detach removes the effect under key.
func (v *VisualEffectsCoordinator) Detach(key string) {
	v.mu.Lock()
	delete(v.effects, key)
	v.mu.Unlock()
}

// Effects returns the attached effect keys, sorted.
func (v *VisualEffectsCoordinator) Effects() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.effects))
	for k := range v.effects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rebalance pushes the current quality scale to every attached effect and
// writes it as --sn-quality.
func (v *VisualEffectsCoordinator) Rebalance() float64 {
	scale := v.perf.QualityScale()
	v.mu.RLock()
	effects := make([]*Effect, 0, len(v.effects))
	for _, e := range v.effects {
		effects = append(effects, e)
	}
	v.mu.RUnlock()

	for _, e := range effects {
		e.SetIntensity(scale)
	}
	v.css.Set("--sn-quality", strconv.FormatFloat(scale, 'f', 2, 64))
	v.css.Flush()
	return scale
}

// Initialize writes the initial quality scale.
func (v *VisualEffectsCoordinator) Initialize(context.Context) error {
	v.Rebalance()
	return nil
}

func (v *VisualEffectsCoordinator) HealthCheck(context.Context) capability.HealthReport {
	v.mu.RLock()
	defer v.mu.RUnlock()
	details := fmt.Sprintf("%d effects attached", len(v.effects))
	if v.music == nil {
		details += ", music sync unavailable"
	}
	return capability.HealthReport{OK: true, Details: details}
}

func (v *VisualEffectsCoordinator) Destroy(context.Context) error {
	v.mu.Lock()
	clear(v.effects)
	v.mu.Unlock()
	return nil
}

// Effect is a generic visual effect built by the visual factory's fallback
// recipe. Optional collaborators arrive through setters.
type Effect struct {
	key string

	mu          sync.RWMutex
	perf        *PerformanceCoordinator
	css         *CSSVariableWriter
	music       *MusicSyncService
	color       *ColorHarmonyEngine
	coordinator *VisualEffectsCoordinator
	intensity   float64
	beats       int
	initialized bool
	destroyed   bool
}

// NewEffect builds the effect named key.
func NewEffect(key string, perf *PerformanceCoordinator, css *CSSVariableWriter) (*Effect, error) {
	if key == "" {
		return nil, errors.New("effect: empty key")
	}
	if perf == nil || css == nil {
		return nil, fmt.Errorf("effect %s: performance coordinator and css writer are required", key)
	}
	return &Effect{key: key, perf: perf, css: css, intensity: 1}, nil
}

func (e *Effect) Key() string { return e.key }

func (e *Effect) SetPerformanceCoordinator(p *PerformanceCoordinator) {
	e.mu.Lock()
	e.perf = p
	e.mu.Unlock()
}

func (e *Effect) SetCSSWriter(w *CSSVariableWriter) {
	e.mu.Lock()
	e.css = w
	e.mu.Unlock()
}

func (e *Effect) SetMusicSync(m *MusicSyncService) {
	e.mu.Lock()
	e.music = m
	e.mu.Unlock()
}

func (e *Effect) SetColorEngine(c *ColorHarmonyEngine) {
	e.mu.Lock()
	e.color = c
	e.mu.Unlock()
}

func (e *Effect) SetEffectsCoordinator(c *VisualEffectsCoordinator) {
	e.mu.Lock()
	e.coordinator = c
	e.mu.Unlock()
}

// Initialize attaches the effect to its coordinator, subscribes to beats and
// writes its starting intensity.
func (e *Effect) Initialize(ctx context.Context) error {
	e.mu.Lock()
	e.intensity = e.perf.QualityScale()
	coordinator, music := e.coordinator, e.music
	e.initialized = true
	e.mu.Unlock()

	if coordinator != nil {
		coordinator.Attach(e)
	}
	if music != nil {
		music.Subscribe(e.key, e.onBeat)
	}
	e.writeIntensity()
	return e.RefreshColors(ctx)
}

// SetIntensity clamps v to [0, 1] and writes it.
func (e *Effect) SetIntensity(v float64) {
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	e.mu.Lock()
	e.intensity = v
	e.mu.Unlock()
	e.writeIntensity()
}

func (e *Effect) Intensity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.intensity
}

// Beats counts beats received from music sync.
func (e *Effect) Beats() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.beats
}

func (e *Effect) writeIntensity() {
	e.mu.RLock()
	css, v := e.css, e.intensity
	e.mu.RUnlock()
	css.Set("--sn-"+e.key+"-intensity", strconv.FormatFloat(v, 'f', 2, 64))
	css.Flush()
}

func (e *Effect) onBeat(b Beat) {
	e.mu.Lock()
	e.beats++
	css, pulse := e.css, e.intensity*b.Energy
	e.mu.Unlock()
	css.Set("--sn-"+e.key+"-pulse", strconv.FormatFloat(pulse, 'f', 2, 64))
	css.Flush()
}

// RefreshColors copies the engine's accent into --sn-<key>-accent. Without a
// color engine it does nothing.
func (e *Effect) RefreshColors(context.Context) error {
	e.mu.RLock()
	color, css := e.color, e.css
	e.mu.RUnlock()
	if color == nil {
		return nil
	}
	accent, ok := color.Color("accent")
	if !ok {
		return fmt.Errorf("effect %s: palette has no accent", e.key)
	}
	css.Set("--sn-"+e.key+"-accent", accent)
	css.Flush()
	return nil
}

func (e *Effect) HealthCheck(context.Context) capability.HealthReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.destroyed:
		return capability.HealthReport{OK: false, Details: "destroyed"}
	case !e.initialized:
		return capability.HealthReport{OK: false, Details: "not initialized"}
	}
	return capability.HealthReport{OK: true, Details: fmt.Sprintf("intensity %.2f", e.intensity)}
}

func (e *Effect) Destroy(context.Context) error {
	e.mu.Lock()
	coordinator, music := e.coordinator, e.music
	e.destroyed = true
	e.mu.Unlock()

	if music != nil {
		music.Unsubscribe(e.key)
	}
	if coordinator != nil {
		coordinator.Detach(e.key)
	}
	return nil
}
