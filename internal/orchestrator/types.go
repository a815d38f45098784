package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"arc-framework/starrynight/internal/graph"
	"arc-framework/starrynight/internal/lifecycle"
)

// Status values used across BootstrapResult, PhaseResult and SystemResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

var (
	// ErrBootstrapInProgress is returned when Bootstrap or Shutdown is called
	// while a bootstrap is already running.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")
	// ErrPhaseTimeout marks a phase whose systems did not all finish within
	// the phase transition timeout.
	ErrPhaseTimeout = errors.New("phase transition timeout")
	// ErrAbandoned is recorded for a system whose build finished after its
	// bootstrap run had already been aborted.
	ErrAbandoned = errors.New("bootstrap aborted before the system was published")
	// ErrSystemBusy is returned for a system whose build from an earlier,
	// aborted run is still running. A later bootstrap can retry it.
	ErrSystemBusy = errors.New("system still initializing from an aborted run")
)

// PhaseAbortError is returned by Bootstrap when a phase cannot complete. System
// is the first failing system in declaration order.
type PhaseAbortError struct {
	Phase  graph.Phase
	System string
	Err    error
}

func (e *PhaseAbortError) Error() string {
	return fmt.Sprintf("bootstrap aborted in phase %q: system %q: %v", e.Phase, e.System, e.Err)
}

func (e *PhaseAbortError) Unwrap() error { return e.Err }

// BootstrapResult is the aggregate result of a bootstrap run.
type BootstrapResult struct {
	RunID      string                     `json:"runId"`
	Status     string                     `json:"status"` // "ok", "error", "in-progress"
	Phases     map[string]PhaseResult     `json:"phases"`
	Systems    map[string]lifecycle.State `json:"systems"`
	DurationMs int64                      `json:"durationMs"`
	Error      string                     `json:"error,omitempty"`
}

// PhaseResult represents the outcome of a single bootstrap phase.
type PhaseResult struct {
	Name       string                  `json:"name"`
	Status     string                  `json:"status"` // "ok", "error", "skipped"
	Error      string                  `json:"error,omitempty"`
	DurationMs int64                   `json:"durationMs"`
	Systems    map[string]SystemResult `json:"systems,omitempty"`
}

// SystemResult is the outcome of one system within a phase.
type SystemResult struct {
	Status     string `json:"status"` // "ok", "error", "skipped", "in-progress"
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// ProbeResult is returned by RunDeepHealth for each sink.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Config tunes the bootstrap run.
type Config struct {
	SystemReadinessTimeout time.Duration
	PhaseTransitionTimeout time.Duration
	HealthMonitoring       bool
	HealthInterval         time.Duration
	// Prewarm builds every catalog entry outside the phase plan once
	// bootstrap succeeds.
	Prewarm bool
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		SystemReadinessTimeout: 5 * time.Second,
		PhaseTransitionTimeout: 10 * time.Second,
		HealthMonitoring:       true,
		HealthInterval:         30 * time.Second,
	}
}
