package subsystems

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/graph"
	"arc-framework/starrynight/internal/registry"
)

func TestDefaultPlan_Validates(t *testing.T) {
	t.Parallel()

	plan := DefaultPlan()
	require.NoError(t, plan.Validate())
	assert.Equal(t, []string{KeyDeviceCapabilityDetector, KeyPerformanceCoordinator, KeyCSSVariableWriter},
		namesOf(plan.Phase(PhaseCore)))
	assert.Len(t, plan.Phase(PhaseVisual), 4)
}

func namesOf(ds []graph.Descriptor) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names
}

func TestSharedAliases_MatchRecipes(t *testing.T) {
	t.Parallel()

	_, err := registry.New(SharedAliases())
	require.NoError(t, err)

	recipes := map[string]factory.Recipe{}
	for _, r := range InfrastructureRecipes(Options{Profile: ProfileFor(ModeProgressive)}) {
		recipes[r.Key] = r
	}
	for key, aliases := range SharedAliases() {
		r, ok := recipes[key]
		require.True(t, ok, "shared key %s has no infrastructure recipe", key)
		assert.ElementsMatch(t, aliases, r.Aliases, key)
	}
}

// wire builds both factories over a shared registry, publishing shared
// instances as they are built.
func wire(t *testing.T, profile ModeProfile) (*factory.Factory, *factory.Factory, *registry.Registry) {
	t.Helper()

	reg, err := registry.New(SharedAliases())
	require.NoError(t, err)

	infra, err := factory.New(DomainInfrastructure,
		InfrastructureRecipes(Options{Profile: profile, Hints: DeviceHints{Cores: 8}}),
		factory.WithShared(reg), factory.WithInjections(Injections()...))
	require.NoError(t, err)

	visual, err := factory.New(DomainVisual, VisualRecipes(),
		factory.WithShared(reg), factory.WithPeers(infra),
		factory.WithInjections(Injections()...), factory.WithFallback(BuildEffect))
	require.NoError(t, err)

	return infra, visual, reg
}

func buildAndPublish(t *testing.T, f *factory.Factory, reg *registry.Registry, keys ...string) {
	t.Helper()
	for _, key := range keys {
		v, err := f.Build(context.Background(), key)
		require.NoError(t, err, key)
		if reg.IsCanonical(key) {
			require.NoError(t, reg.Set(key, v))
		}
	}
}

func TestRecipes_BuildWholeCatalog(t *testing.T) {
	t.Parallel()

	infra, visual, reg := wire(t, ProfileFor(ModeQualityFirst))
	buildAndPublish(t, infra, reg,
		KeyDeviceCapabilityDetector, KeyPerformanceCoordinator, KeyCSSVariableWriter,
		KeyMusicSyncService, KeyColorHarmonyEngine)
	buildAndPublish(t, visual, reg,
		KeyVisualEffectsCoordinator, KeyGradientController, KeyShimmerEffect, KeyBeatPulse)

	pc, ok := reg.Get("performanceAnalyzer")
	require.True(t, ok)
	assert.Equal(t, 85.0, pc.(*PerformanceCoordinator).BudgetPercent())

	coord, ok := visual.Cached(KeyVisualEffectsCoordinator)
	require.True(t, ok)
	assert.Equal(t, []string{KeyBeatPulse, KeyGradientController, KeyShimmerEffect},
		coord.(*VisualEffectsCoordinator).Effects())

	music, _ := reg.Get(KeyMusicSyncService)
	assert.Equal(t, 3, music.(*MusicSyncService).Subscribers())

	css, _ := reg.Get("cssController")
	accent, ok := css.(*CSSVariableWriter).Value("--sn-" + KeyGradientController + "-accent")
	require.True(t, ok)
	assert.Equal(t, DefaultPalette()["accent"], accent)
}

func TestBuildEffect_MissingDependency(t *testing.T) {
	t.Parallel()

	_, visual, _ := wire(t, ProfileFor(ModeProgressive))

	_, err := visual.Build(context.Background(), KeyShimmerEffect)
	var ce *factory.CreationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{KeyPerformanceCoordinator, KeyCSSVariableWriter}, ce.Missing)
}

func TestInjections_SkipAbsentCollaborators(t *testing.T) {
	t.Parallel()

	infra, visual, reg := wire(t, ProfileFor(ModeProgressive))
	buildAndPublish(t, infra, reg, KeyDeviceCapabilityDetector, KeyPerformanceCoordinator, KeyCSSVariableWriter)

	v, err := visual.Build(context.Background(), KeyDepthLayers)
	require.NoError(t, err)

	e := v.(*Effect)
	assert.True(t, e.HealthCheck(context.Background()).OK)
	assert.NoError(t, e.RefreshColors(context.Background()), "no color engine is a no-op")
}

func TestEffect_BeatsAndDestroy(t *testing.T) {
	t.Parallel()

	infra, visual, reg := wire(t, ProfileFor(ModeProgressive))
	buildAndPublish(t, infra, reg, KeyDeviceCapabilityDetector, KeyPerformanceCoordinator,
		KeyCSSVariableWriter, KeyMusicSyncService)

	v, err := visual.Build(context.Background(), KeyBeatPulse)
	require.NoError(t, err)
	e := v.(*Effect)

	m, _ := reg.Get("beatSyncService")
	music := m.(*MusicSyncService)
	music.Pulse(0.5)
	music.Pulse(1)
	assert.Equal(t, 2, e.Beats())

	require.NoError(t, e.Destroy(context.Background()))
	assert.Equal(t, 0, music.Subscribers())
	assert.False(t, e.HealthCheck(context.Background()).OK)
}

func TestPerformanceCoordinator_QualityScale(t *testing.T) {
	t.Parallel()

	d := NewDeviceCapabilityDetector(DeviceHints{Cores: 8})
	require.NoError(t, d.Initialize(context.Background()))
	assert.Equal(t, TierHigh, d.Tier())

	p, err := NewPerformanceCoordinator(d, 50)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))

	assert.Equal(t, 1.0, p.QualityScale(), "no frames recorded")

	budget := p.FrameBudget()
	p.RecordFrame(budget / 2)
	assert.Equal(t, 1.0, p.QualityScale())

	for i := 0; i < frameWindow; i++ {
		p.RecordFrame(budget * 2)
	}
	assert.InDelta(t, 0.5, p.QualityScale(), 0.01)

	for i := 0; i < frameWindow; i++ {
		p.RecordFrame(time.Second)
	}
	assert.Equal(t, 0.25, p.QualityScale())
	assert.False(t, p.HealthCheck(context.Background()).OK)
}

func TestNewPerformanceCoordinator_Rejects(t *testing.T) {
	t.Parallel()

	_, err := NewPerformanceCoordinator(nil, 50)
	assert.Error(t, err)

	_, err = NewPerformanceCoordinator(NewDeviceCapabilityDetector(DeviceHints{}), 0)
	assert.Error(t, err)
}

func TestDeviceTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hints DeviceHints
		want  DeviceTier
	}{
		{DeviceHints{Cores: 16, MemoryMB: 16384}, TierHigh},
		{DeviceHints{Cores: 8, MemoryMB: 4096}, TierMedium},
		{DeviceHints{Cores: 4}, TierMedium},
		{DeviceHints{Cores: 2}, TierLow},
		{DeviceHints{}, TierLow},
	}
	for _, tc := range tests {
		d := NewDeviceCapabilityDetector(tc.hints)
		require.NoError(t, d.Initialize(context.Background()))
		assert.Equal(t, tc.want, d.Tier(), "%+v", tc.hints)
	}
}

func TestCSSVariableWriter_Batching(t *testing.T) {
	t.Parallel()

	d := NewDeviceCapabilityDetector(DeviceHints{})
	p, err := NewPerformanceCoordinator(d, 50)
	require.NoError(t, err)
	w, err := NewCSSVariableWriter(p)
	require.NoError(t, err)

	w.Set("--a", "1")
	w.Set("--a", "2")
	w.Set("--b", "x")
	_, ok := w.Value("--a")
	assert.False(t, ok, "not applied before flush")

	assert.Equal(t, 2, w.Flush())
	v, _ := w.Value("--a")
	assert.Equal(t, "2", v)

	w.Set("--b", "x")
	assert.Equal(t, 0, w.Flush(), "unchanged value")
	assert.Equal(t, []string{"--a", "--b"}, w.Applied())
}

func TestModes(t *testing.T) {
	t.Parallel()

	m, err := ParseMode(" Quality-First ")
	require.NoError(t, err)
	assert.Equal(t, ModeQualityFirst, m)
	assert.False(t, ProfileFor(m).LazyInit)

	_, err = ParseMode("turbo")
	assert.Error(t, err)

	assert.Equal(t, ModeProgressive, ProfileFor("turbo").Mode)

	p := ProfileFor(ModeQualityFirst).ApplyCPUCeiling(50)
	assert.Equal(t, 50.0, p.CPUBudgetPercent)
	p = ProfileFor(ModeBatteryOptimized).ApplyCPUCeiling(50)
	assert.Equal(t, 25.0, p.CPUBudgetPercent)
}

func TestColorHarmonyEngine_PaletteChangeHook(t *testing.T) {
	t.Parallel()

	device := NewDeviceCapabilityDetector(DeviceHints{Cores: 4})
	perf, err := NewPerformanceCoordinator(device, 60)
	require.NoError(t, err)
	css, err := NewCSSVariableWriter(perf)
	require.NoError(t, err)
	engine, err := NewColorHarmonyEngine(css)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Initialize(ctx))

	calls := 0
	engine.OnPaletteChange(func(context.Context) { calls++ })

	require.NoError(t, engine.SetPalette(ctx, Palette{"accent": "#f38ba8"}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, engine.Generation())
	accent, _ := css.Value("--sn-color-accent")
	assert.Equal(t, "#f38ba8", accent)

	assert.Error(t, engine.SetPalette(ctx, nil))
	assert.Equal(t, 1, calls, "rejected palette does not notify")

	p := engine.Palette()
	p["accent"] = "#000000"
	got, _ := engine.Color("accent")
	assert.Equal(t, "#f38ba8", got, "Palette returns a copy")

	engine.OnPaletteChange(nil)
	require.NoError(t, engine.SetPalette(ctx, DefaultPalette()))
	assert.Equal(t, 1, calls)
}
