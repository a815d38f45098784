package subsystems

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"arc-framework/starrynight/internal/capability"
)

// DeviceTier is the coarse capability class of the host device.
type DeviceTier string

const (
	TierHigh   DeviceTier = "high"
	TierMedium DeviceTier = "medium"
	TierLow    DeviceTier = "low"
)

// DeviceHints seeds device detection. Zero values mean unknown.
type DeviceHints struct {
	Cores    int
	MemoryMB float64
}

// DefaultHints reads what the runtime knows about the host.
func DefaultHints() DeviceHints {
	return DeviceHints{Cores: runtime.NumCPU()}
}

// DeviceCapabilityDetector classifies the device once at initialize.
type DeviceCapabilityDetector struct {
	hints DeviceHints

	mu       sync.RWMutex
	tier     DeviceTier
	detected bool
}

// NewDeviceCapabilityDetector returns a detector that classifies from hints.
func NewDeviceCapabilityDetector(hints DeviceHints) *DeviceCapabilityDetector {
	return &DeviceCapabilityDetector{hints: hints}
}

// Initialize classifies the device: 8+ cores with 8GB (or unknown memory) is
// high, 4+ cores medium, anything else low.
func (d *DeviceCapabilityDetector) Initialize(context.Context) error {
	tier := TierLow
	switch {
	case d.hints.Cores >= 8 && (d.hints.MemoryMB == 0 || d.hints.MemoryMB >= 8192):
		tier = TierHigh
	case d.hints.Cores >= 4:
		tier = TierMedium
	}
	d.mu.Lock()
	d.tier = tier
	d.detected = true
	d.mu.Unlock()
	return nil
}

// Tier returns the detected tier, TierLow before detection.
func (d *DeviceCapabilityDetector) Tier() DeviceTier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.detected {
		return TierLow
	}
	return d.tier
}

// HealthCheck fails until the device has been classified.
func (d *DeviceCapabilityDetector) HealthCheck(context.Context) capability.HealthReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.detected {
		return capability.HealthReport{OK: false, Details: "device not classified"}
	}
	return capability.HealthReport{OK: true, Details: "tier " + string(d.tier)}
}

const frameWindow = 60

// PerformanceCoordinator tracks frame timings against a tier-derived target
// and hands effects a quality scale.
type PerformanceCoordinator struct {
	device        *DeviceCapabilityDetector
	budgetPercent float64

	mu     sync.RWMutex
	target time.Duration
	frames [frameWindow]time.Duration
	next   int
	filled int
}

// NewPerformanceCoordinator builds a coordinator over device. budgetPercent
// caps how much of the frame the theme may spend.
func NewPerformanceCoordinator(device *DeviceCapabilityDetector, budgetPercent float64) (*PerformanceCoordinator, error) {
	if device == nil {
		return nil, errors.New("performance coordinator: nil device detector")
	}
	if budgetPercent <= 0 || budgetPercent > 100 {
		return nil, fmt.Errorf("performance coordinator: budget %.1f%% out of range", budgetPercent)
	}
	return &PerformanceCoordinator{device: device, budgetPercent: budgetPercent}, nil
}

// Initialize sets the frame target from the device tier: 60, 45 or 30 fps.
func (p *PerformanceCoordinator) Initialize(context.Context) error {
	fps := 30
	switch p.device.Tier() {
	case TierHigh:
		fps = 60
	case TierMedium:
		fps = 45
	}
	p.mu.Lock()
	p.target = time.Second / time.Duration(fps)
	p.mu.Unlock()
	return nil
}

// RecordFrame adds one frame duration to the rolling window.
func (p *PerformanceCoordinator) RecordFrame(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[p.next] = d
	p.next = (p.next + 1) % frameWindow
	if p.filled < frameWindow {
		p.filled++
	}
}

// AverageFrame is the mean of the rolling window, zero when empty.
func (p *PerformanceCoordinator) AverageFrame() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.averageLocked()
}

func (p *PerformanceCoordinator) averageLocked() time.Duration {
	if p.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.filled; i++ {
		sum += p.frames[i]
	}
	return sum / time.Duration(p.filled)
}

// FrameBudget is the share of the target frame the theme may use.
func (p *PerformanceCoordinator) FrameBudget() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(float64(p.target) * p.budgetPercent / 100)
}

// BudgetPercent returns the configured CPU budget.
func (p *PerformanceCoordinator) BudgetPercent() float64 { return p.budgetPercent }

// QualityScale is 1 while frames fit the budget and falls towards 0.25 as
// they overrun it.
func (p *PerformanceCoordinator) QualityScale() float64 {
	avg := p.AverageFrame()
	budget := p.FrameBudget()
	if avg == 0 || budget == 0 || avg <= budget {
		return 1
	}
	scale := float64(budget) / float64(avg)
	if scale < 0.25 {
		return 0.25
	}
	return scale
}

// HealthCheck fails when the average frame exceeds twice the target.
func (p *PerformanceCoordinator) HealthCheck(context.Context) capability.HealthReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.target == 0 {
		return capability.HealthReport{OK: false, Details: "frame target not set"}
	}
	avg := p.averageLocked()
	if avg > 2*p.target {
		return capability.HealthReport{OK: false, Details: fmt.Sprintf("average frame %s exceeds twice the %s target", avg, p.target)}
	}
	return capability.HealthReport{OK: true, Details: fmt.Sprintf("average frame %s, target %s", avg, p.target)}
}

const maxPendingVariables = 1024

// CSSVariableWriter batches custom-property writes and applies them on Flush.
type CSSVariableWriter struct {
	perf *PerformanceCoordinator

	mu      sync.Mutex
	pending map[string]string
	applied map[string]string
	flushes int
}

// NewCSSVariableWriter returns an empty writer. perf is required.
func NewCSSVariableWriter(perf *PerformanceCoordinator) (*CSSVariableWriter, error) {
	if perf == nil {
		return nil, errors.New("css variable writer: nil performance coordinator")
	}
	return &CSSVariableWriter{
		perf:    perf,
		pending: make(map[string]string),
		applied: make(map[string]string),
	}, nil
}

// Set queues a write. A later Set of the same name before Flush wins.
func (w *CSSVariableWriter) Set(name, value string) {
	w.mu.Lock()
	w.pending[name] = value
	w.mu.Unlock()
}

// Flush applies queued writes and returns how many changed a value.
func (w *CSSVariableWriter) Flush() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := 0
	for name, value := range w.pending {
		if w.applied[name] != value {
			w.applied[name] = value
			changed++
		}
	}
	clear(w.pending)
	w.flushes++
	return changed
}

// Value returns the applied value of name.
func (w *CSSVariableWriter) Value(name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.applied[name]
	return v, ok
}

// Applied returns the applied variable names, sorted.
func (w *CSSVariableWriter) Applied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.applied))
	for n := range w.applied {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (w *CSSVariableWriter) HealthCheck(context.Context) capability.HealthReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > maxPendingVariables {
		return capability.HealthReport{OK: false, Details: fmt.Sprintf("%d writes pending", len(w.pending))}
	}
	return capability.HealthReport{OK: true, Details: fmt.Sprintf("%d variables applied over %d flushes", len(w.applied), w.flushes)}
}

func (w *CSSVariableWriter) Destroy(context.Context) error {
	w.mu.Lock()
	clear(w.pending)
	clear(w.applied)
	w.mu.Unlock()
	return nil
}

// Beat is one tick of the music clock.
type Beat struct {
	Index  int
	Tempo  float64
	Energy float64
}

// MusicSyncService holds the current tempo and fans beats out to subscribers.
type MusicSyncService struct {
	mu          sync.RWMutex
	tempo       float64
	beats       int
	subscribers map[string]func(Beat)
}

// NewMusicSyncService returns a clock at 120 bpm with no subscribers.
func NewMusicSyncService() *MusicSyncService {
	return &MusicSyncService{tempo: 120, subscribers: make(map[string]func(Beat))}
}

// SetTempo sets the tempo in beats per minute. Non-positive values are ignored.
func (m *MusicSyncService) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	m.mu.Lock()
	m.tempo = bpm
	m.mu.Unlock()
}

// BeatInterval is the time between beats at the current tempo.
func (m *MusicSyncService) BeatInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(float64(time.Minute) / m.tempo)
}

// Subscribe registers fn under key, replacing any previous subscriber.
func (m *MusicSyncService) Subscribe(key string, fn func(Beat)) {
	m.mu.Lock()
	m.subscribers[key] = fn
	m.mu.Unlock()
}

// Unsubscribe removes the subscriber under key.
func (m *MusicSyncService) Unsubscribe(key string) {
	m.mu.Lock()
	delete(m.subscribers, key)
	m.mu.Unlock()
}

// Subscribers returns the number of subscribers.
func (m *MusicSyncService) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Pulse emits one beat with the given energy to every subscriber. Callbacks
// run outside the lock.
func (m *MusicSyncService) Pulse(energy float64) Beat {
	m.mu.Lock()
	m.beats++
	b := Beat{Index: m.beats, Tempo: m.tempo, Energy: energy}
	fns := make([]func(Beat), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(b)
	}
	return b
}

func (m *MusicSyncService) HealthCheck(context.Context) capability.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return capability.HealthReport{OK: true, Details: fmt.Sprintf("%.0f bpm, %d subscribers", m.tempo, len(m.subscribers))}
}

func (m *MusicSyncService) Destroy(context.Context) error {
	m.mu.Lock()
	clear(m.subscribers)
	m.mu.Unlock()
	return nil
}

// Palette maps a role ("accent", "base", "text") to a hex color.
type Palette map[string]string

// DefaultPalette is the mocha flavour the theme starts with.
func DefaultPalette() Palette {
	return Palette{
		"base":   "#1e1e2e",
		"text":   "#cdd6f4",
		"accent": "#cba6f7",
		"glow":   "#f5c2e7",
	}
}

// ColorHarmonyEngine owns the active palette and writes it to CSS variables.
type ColorHarmonyEngine struct {
	css *CSSVariableWriter

	mu         sync.RWMutex
	palette    Palette
	generation int
	onChange   func(ctx context.Context)
}

// NewColorHarmonyEngine returns an engine writing through css. The palette is
// empty until Initialize.
func NewColorHarmonyEngine(css *CSSVariableWriter) (*ColorHarmonyEngine, error) {
	if css == nil {
		return nil, errors.New("color harmony engine: nil css writer")
	}
	return &ColorHarmonyEngine{css: css}, nil
}

// Initialize applies DefaultPalette.
func (c *ColorHarmonyEngine) Initialize(ctx context.Context) error {
	return c.SetPalette(ctx, DefaultPalette())
}

// OnPaletteChange installs fn, called after every successful SetPalette
// outside the engine lock. A nil fn removes the hook.
func (c *ColorHarmonyEngine) OnPaletteChange(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetPalette replaces the palette, writes every role as --sn-color-<role>,
// bumps the generation and runs the change hook.
func (c *ColorHarmonyEngine) SetPalette(ctx context.Context, p Palette) error {
	if len(p) == 0 {
		return errors.New("color harmony engine: empty palette")
	}
	next := make(Palette, len(p))
	for role, hex := range p {
		next[role] = hex
		c.css.Set("--sn-color-"+role, hex)
	}
	c.css.Flush()

	c.mu.Lock()
	c.palette = next
	c.generation++
	hook := c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return nil
}

// Palette returns a copy of the active palette.
func (c *ColorHarmonyEngine) Palette() Palette {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Palette, len(c.palette))
	for role, hex := range c.palette {
		out[role] = hex
	}
	return out
}

// Color returns the hex value of role.
func (c *ColorHarmonyEngine) Color(role string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.palette[role]
	return v, ok
}

// Generation counts palette changes.
func (c *ColorHarmonyEngine) Generation() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// HealthCheck fails while no palette is applied.
func (c *ColorHarmonyEngine) HealthCheck(context.Context) capability.HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.palette) == 0 {
		return capability.HealthReport{OK: false, Details: "no palette"}
	}
	return capability.HealthReport{OK: true, Details: fmt.Sprintf("%d colors, generation %d", len(c.palette), c.generation)}
}
