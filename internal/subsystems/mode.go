package subsystems

import (
	"fmt"
	"strings"
)

// Mode is the bootstrap strategy selected in configuration.
type Mode string

const (
	ModeProgressive      Mode = "progressive"
	ModePerformanceFirst Mode = "performance-first"
	ModeQualityFirst     Mode = "quality-first"
	ModeBatteryOptimized Mode = "battery-optimized"
)

// ModeProfile holds the preferences a mode adjusts.
type ModeProfile struct {
	Mode Mode
	// LazyInit leaves catalog entries outside the phase plan unbuilt until
	// first requested. When false they are pre-warmed after bootstrap.
	LazyInit bool
	// CPUBudgetPercent caps the performance coordinator's frame budget.
	CPUBudgetPercent float64
	// HealthIntervalFactor scales the configured health polling interval.
	HealthIntervalFactor float64
}

var profiles = map[Mode]ModeProfile{
	ModeProgressive:      {Mode: ModeProgressive, LazyInit: true, CPUBudgetPercent: 60, HealthIntervalFactor: 1},
	ModePerformanceFirst: {Mode: ModePerformanceFirst, LazyInit: true, CPUBudgetPercent: 40, HealthIntervalFactor: 2},
	ModeQualityFirst:     {Mode: ModeQualityFirst, LazyInit: false, CPUBudgetPercent: 85, HealthIntervalFactor: 1},
	ModeBatteryOptimized: {Mode: ModeBatteryOptimized, LazyInit: true, CPUBudgetPercent: 25, HealthIntervalFactor: 4},
}

// ParseMode normalises s and reports whether it names a known mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[m]; !ok {
		return "", fmt.Errorf("unknown bootstrap mode %q", s)
	}
	return m, nil
}

// ProfileFor returns the profile of m. Unknown modes get the progressive
// profile.
func ProfileFor(m Mode) ModeProfile {
	if p, ok := profiles[m]; ok {
		return p
	}
	return profiles[ModeProgressive]
}

// ApplyCPUCeiling lowers the profile's CPU budget to ceiling when the
// configured threshold is stricter.
func (p ModeProfile) ApplyCPUCeiling(ceiling float64) ModeProfile {
	if ceiling > 0 && ceiling < p.CPUBudgetPercent {
		p.CPUBudgetPercent = ceiling
	}
	return p
}
