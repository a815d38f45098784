package subsystems

import (
	"context"

	"arc-framework/starrynight/internal/factory"
)

// Setter capabilities. A subsystem opts into a collaborator by implementing
// the matching interface; the factory calls it after construction when the
// collaborator is available.
type (
	PerformanceCoordinatorSetter interface {
		SetPerformanceCoordinator(*PerformanceCoordinator)
	}
	MusicSyncSetter interface {
		SetMusicSync(*MusicSyncService)
	}
	ColorEngineSetter interface {
		SetColorEngine(*ColorHarmonyEngine)
	}
	CSSWriterSetter interface {
		SetCSSWriter(*CSSVariableWriter)
	}
	EffectsCoordinatorSetter interface {
		SetEffectsCoordinator(*VisualEffectsCoordinator)
	}
)

// ColorDependent is implemented by subsystems that re-read the palette when
// it changes.
type ColorDependent interface {
	RefreshColors(ctx context.Context) error
}

// Injections is the setter-injection table shared by both factories.
func Injections() []factory.Injection {
	return []factory.Injection{
		factory.Inject("performance-coordinator", KeyPerformanceCoordinator,
			func(t PerformanceCoordinatorSetter, d *PerformanceCoordinator) { t.SetPerformanceCoordinator(d) }),
		factory.Inject("css-writer", KeyCSSVariableWriter,
			func(t CSSWriterSetter, d *CSSVariableWriter) { t.SetCSSWriter(d) }),
		factory.Inject("music-sync", KeyMusicSyncService,
			func(t MusicSyncSetter, d *MusicSyncService) { t.SetMusicSync(d) }),
		factory.Inject("color-engine", KeyColorHarmonyEngine,
			func(t ColorEngineSetter, d *ColorHarmonyEngine) { t.SetColorEngine(d) }),
		factory.Inject("effects-coordinator", KeyVisualEffectsCoordinator,
			func(t EffectsCoordinatorSetter, d *VisualEffectsCoordinator) { t.SetEffectsCoordinator(d) }),
	}
}
