// Package subsystems is the theme's catalog: the concrete runtime subsystems,
// their construction recipes, the shared-key alias table and the default
// phase plan.
package subsystems

import (
	"context"

	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/graph"
)

// Canonical keys.
const (
	KeyDeviceCapabilityDetector = "deviceCapabilityDetector"
	KeyPerformanceCoordinator   = "performanceCoordinator"
	KeyCSSVariableWriter        = "cssVariableWriter"
	KeyMusicSyncService         = "musicSyncService"
	KeyColorHarmonyEngine       = "colorHarmonyEngine"
	KeyVisualEffectsCoordinator = "visualEffectsCoordinator"
)

// Effect keys built by the visual factory's fallback recipe.
const (
	KeyGradientController = "gradientController"
	KeyShimmerEffect      = "shimmerEffect"
	KeyBeatPulse          = "beatPulse"
	KeyDepthLayers        = "depthLayers"
	KeyAberrationCanvas   = "aberrationCanvas"
)

// Phases of the default plan.
const (
	PhaseCore     graph.Phase = "core"
	PhaseServices graph.Phase = "services"
	PhaseVisual   graph.Phase = "visual"
)

// Factory domains.
const (
	DomainInfrastructure = "infrastructure"
	DomainVisual         = "visual"
)

// SharedAliases maps every shared canonical key to the historical keys that
// resolve to it.
func SharedAliases() map[string][]string {
	return map[string][]string{
		KeyDeviceCapabilityDetector: {"deviceTierDetector"},
		KeyPerformanceCoordinator:   {"performanceAnalyzer", "simplePerformanceCoordinator"},
		KeyCSSVariableWriter:        {"cssVariableBatcher", "cssController"},
		KeyMusicSyncService:         {"musicSync", "beatSyncService"},
		KeyColorHarmonyEngine:       {"colorEngine"},
	}
}

// DefaultPlan declares every bootstrapped subsystem. Entities in one phase
// start concurrently; same-phase dependencies are ordered by the readiness
// gate.
func DefaultPlan() *graph.Plan {
	effectDeps := []string{KeyPerformanceCoordinator, KeyCSSVariableWriter, KeyVisualEffectsCoordinator}
	return graph.NewPlan(
		[]graph.Phase{PhaseCore, PhaseServices, PhaseVisual},
		graph.Descriptor{Name: KeyDeviceCapabilityDetector, Phase: PhaseCore},
		graph.Descriptor{Name: KeyPerformanceCoordinator, Phase: PhaseCore, Dependencies: []string{KeyDeviceCapabilityDetector}},
		graph.Descriptor{Name: KeyCSSVariableWriter, Phase: PhaseCore, Dependencies: []string{KeyPerformanceCoordinator}},
		graph.Descriptor{Name: KeyMusicSyncService, Phase: PhaseServices},
		graph.Descriptor{Name: KeyColorHarmonyEngine, Phase: PhaseServices, Dependencies: []string{KeyCSSVariableWriter}},
		graph.Descriptor{Name: KeyVisualEffectsCoordinator, Phase: PhaseVisual, Dependencies: []string{KeyPerformanceCoordinator, KeyCSSVariableWriter}},
		graph.Descriptor{Name: KeyGradientController, Phase: PhaseVisual, Dependencies: append(effectDeps, KeyColorHarmonyEngine)},
		graph.Descriptor{Name: KeyShimmerEffect, Phase: PhaseVisual, Dependencies: effectDeps},
		graph.Descriptor{Name: KeyBeatPulse, Phase: PhaseVisual, Dependencies: append(effectDeps, KeyMusicSyncService)},
	)
}

// Options configures the catalog recipes.
type Options struct {
	Profile ModeProfile
	Hints   DeviceHints
}

// InfrastructureRecipes returns the recipes of the infrastructure factory.
func InfrastructureRecipes(opts Options) []factory.Recipe {
	aliases := SharedAliases()
	budget := opts.Profile.CPUBudgetPercent
	if budget == 0 {
		budget = ProfileFor(ModeProgressive).CPUBudgetPercent
	}
	return []factory.Recipe{
		factory.NoArg(KeyDeviceCapabilityDetector, func() any {
			return NewDeviceCapabilityDetector(opts.Hints)
		}).Aliased(aliases[KeyDeviceCapabilityDetector]...),

		factory.WithDependency(KeyPerformanceCoordinator, KeyDeviceCapabilityDetector,
			func(d *DeviceCapabilityDetector) (any, error) {
				return NewPerformanceCoordinator(d, budget)
			}).Aliased(aliases[KeyPerformanceCoordinator]...),

		factory.WithDependency(KeyCSSVariableWriter, KeyPerformanceCoordinator,
			func(p *PerformanceCoordinator) (any, error) {
				return NewCSSVariableWriter(p)
			}).Aliased(aliases[KeyCSSVariableWriter]...),

		factory.NoArg(KeyMusicSyncService, func() any {
			return NewMusicSyncService()
		}).Aliased(aliases[KeyMusicSyncService]...),

		factory.WithDependency(KeyColorHarmonyEngine, KeyCSSVariableWriter,
			func(w *CSSVariableWriter) (any, error) {
				return NewColorHarmonyEngine(w)
			}).Aliased(aliases[KeyColorHarmonyEngine]...),
	}
}

// VisualRecipes returns the recipes of the visual factory. Effects without a
// dedicated builder go through BuildEffect.
func VisualRecipes() []factory.Recipe {
	return []factory.Recipe{
		factory.WithDependencies(KeyVisualEffectsCoordinator,
			[]string{KeyPerformanceCoordinator, KeyCSSVariableWriter},
			buildEffectsCoordinator,
		).WithOptional(KeyMusicSyncService, KeyColorHarmonyEngine),

		factory.Generic(KeyGradientController, KeyPerformanceCoordinator, KeyCSSVariableWriter),
		factory.Generic(KeyShimmerEffect, KeyPerformanceCoordinator, KeyCSSVariableWriter),
		factory.Generic(KeyBeatPulse, KeyPerformanceCoordinator, KeyCSSVariableWriter),
		factory.Generic(KeyDepthLayers, KeyPerformanceCoordinator, KeyCSSVariableWriter),
		factory.Generic(KeyAberrationCanvas, KeyPerformanceCoordinator, KeyCSSVariableWriter),
	}
}

func buildEffectsCoordinator(_ context.Context, deps factory.Deps) (any, error) {
	perf, err := factory.Dep[*PerformanceCoordinator](deps, KeyPerformanceCoordinator)
	if err != nil {
		return nil, err
	}
	css, err := factory.Dep[*CSSVariableWriter](deps, KeyCSSVariableWriter)
	if err != nil {
		return nil, err
	}
	c, err := NewVisualEffectsCoordinator(perf, css)
	if err != nil {
		return nil, err
	}
	if m, ok := factory.OptionalDep[*MusicSyncService](deps, KeyMusicSyncService); ok {
		c.SetMusicSync(m)
	}
	if e, ok := factory.OptionalDep[*ColorHarmonyEngine](deps, KeyColorHarmonyEngine); ok {
		c.SetColorEngine(e)
	}
	return c, nil
}

// BuildEffect is the visual factory's fallback builder: a generic Effect
// named after the requested key.
func BuildEffect(_ context.Context, deps factory.Deps) (any, error) {
	perf, err := factory.Dep[*PerformanceCoordinator](deps, KeyPerformanceCoordinator)
	if err != nil {
		return nil, err
	}
	css, err := factory.Dep[*CSSVariableWriter](deps, KeyCSSVariableWriter)
	if err != nil {
		return nil, err
	}
	return NewEffect(deps.Key, perf, css)
}
