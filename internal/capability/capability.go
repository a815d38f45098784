// Package capability defines the optional contracts a theme subsystem may
// implement. A subsystem that does not implement one of them is treated as
// "not applicable" for that concern, never as an error.
package capability

import (
	"context"
	"fmt"
)

// Initializer is implemented by subsystems that need a start-up step after
// construction and dependency injection.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Destroyer is implemented by subsystems that hold resources released at
// teardown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// HealthChecker is implemented by subsystems that report their own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthReport
}

// HealthReport is a subsystem's self-reported health.
type HealthReport struct {
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Initialize runs v's Initialize if it has one. Panics are converted to errors
// so a misbehaving subsystem cannot take the bootstrap down.
func Initialize(ctx context.Context, v any) (err error) {
	in, ok := v.(Initializer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
	}()
	return in.Initialize(ctx)
}

// Destroy runs v's Destroy if it has one, converting panics to errors.
func Destroy(ctx context.Context, v any) (err error) {
	d, ok := v.(Destroyer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v", r)
		}
	}()
	return d.Destroy(ctx)
}

// Probe runs v's HealthCheck. applicable is false when v does not report
// health. A panicking probe is reported as unhealthy.
func Probe(ctx context.Context, v any) (report HealthReport, applicable bool) {
	hc, ok := v.(HealthChecker)
	if !ok {
		return HealthReport{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			report = HealthReport{OK: false, Details: fmt.Sprintf("health check panicked: %v", r)}
			applicable = true
		}
	}()
	return hc.HealthCheck(ctx), true
}
