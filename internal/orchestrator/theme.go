package orchestrator

import (
	"fmt"

	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/registry"
	"arc-framework/starrynight/internal/subsystems"
)

// ThemeConfig selects the catalog wiring for NewTheme.
type ThemeConfig struct {
	Profile             subsystems.ModeProfile
	Hints               subsystems.DeviceHints
	DependencyInjection bool
}

// NewTheme wires the theme catalog: the shared registry with its alias table,
// the infrastructure and visual factories and the default phase plan.
func NewTheme(theme ThemeConfig, opts ...Option) (*Orchestrator, error) {
	s := applyOptions(opts)

	shared, err := registry.New(subsystems.SharedAliases())
	if err != nil {
		return nil, fmt.Errorf("shared registry: %w", err)
	}

	injections := subsystems.Injections()
	infra, err := factory.New(subsystems.DomainInfrastructure,
		subsystems.InfrastructureRecipes(subsystems.Options{Profile: theme.Profile, Hints: theme.Hints}),
		factory.WithShared(shared),
		factory.WithInjections(injections...),
		factory.WithDependencyInjection(theme.DependencyInjection),
		factory.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}

	visual, err := factory.New(subsystems.DomainVisual,
		subsystems.VisualRecipes(),
		factory.WithShared(shared),
		factory.WithPeers(infra),
		factory.WithInjections(injections...),
		factory.WithDependencyInjection(theme.DependencyInjection),
		factory.WithFallback(subsystems.BuildEffect),
		factory.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}

	return New(subsystems.DefaultPlan(), shared, []*factory.Factory{infra, visual}, opts...)
}
