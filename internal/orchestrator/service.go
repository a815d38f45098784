package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"arc-framework/starrynight/internal/capability"
	"arc-framework/starrynight/internal/factory"
	"arc-framework/starrynight/internal/graph"
	"arc-framework/starrynight/internal/lifecycle"
	"arc-framework/starrynight/internal/telemetry"
)

var tracer = otel.Tracer("starrynight-orchestrator")

// run is the state shared by the tasks of one bootstrap run. Once abandoned,
// finishing builds are destroyed instead of published.
type run struct {
	mu        sync.Mutex
	abandoned bool
	// cancel wakes tasks still waiting on dependencies.
	cancel context.CancelFunc
}

func (r *run) abandon() {
	r.mu.Lock()
	r.abandoned = true
	r.mu.Unlock()
	r.cancel()
}

// outcome is the state of one system task, guarded by phaseState.mu.
type outcome struct {
	done     bool
	err      error
	skipped  bool
	duration time.Duration
}

type phaseState struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (p *phaseState) finish(i int, o outcome) {
	p.mu.Lock()
	o.done = true
	p.outcomes[i] = o
	p.mu.Unlock()
}

func (p *phaseState) snapshot() []outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]outcome(nil), p.outcomes...)
}

// Bootstrap runs the phase plan. Phases execute strictly in order; the systems
// of one phase start concurrently and wait on their dependencies through the
// readiness gate. The first failing phase aborts the run: everything started
// is torn down and a *PhaseAbortError is returned with the result.
//
// Systems already ready from an earlier run are kept; failed or destroyed
// ones are retried. Returns ErrBootstrapInProgress if a run is active.
func (o *Orchestrator) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !o.bootstrapInProgress.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer o.bootstrapInProgress.Store(false)

	start := time.Now()
	result := &BootstrapResult{
		RunID:  uuid.NewString(),
		Status: StatusInProgress,
		Phases: make(map[string]PhaseResult, len(o.plan.Phases)),
	}

	ctx, span := tracer.Start(ctx, "starrynight.bootstrap")
	defer span.End()
	span.SetAttributes(attribute.String("bootstrap.run_id", result.RunID))

	ctx = telemetry.WithRunID(ctx, result.RunID)
	o.logger.InfoContext(ctx, "bootstrap started", "phases", len(o.plan.Phases), "systems", len(o.plan.Descriptors))

	for _, name := range o.plan.Names() {
		if reset, err := o.machine.Reset(name); err == nil && reset {
			o.logger.DebugContext(ctx, "system reset for retry", "system", name)
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{cancel: cancel}

	var abortErr *PhaseAbortError
	for _, phase := range o.plan.Phases {
		if abortErr != nil {
			result.Phases[string(phase)] = PhaseResult{Name: string(phase), Status: StatusSkipped}
			continue
		}
		pr, err := o.runPhase(ctx, waitCtx, r, phase)
		result.Phases[string(phase)] = pr
		if err != nil {
			abortErr = err
		}
	}

	if abortErr != nil {
		r.abandon()
		o.monitor.Stop()
		o.bootstrapped.Store(false)
		if err := o.teardown(ctx); err != nil {
			o.logger.WarnContext(ctx, "teardown after abort incomplete", "error", err)
		}
		o.finishResult(result, start, abortErr)
		o.announce(ctx, result)
		span.SetStatus(codes.Error, abortErr.Error())
		span.SetAttributes(attribute.String("bootstrap.status", result.Status))
		o.logger.WarnContext(ctx, "bootstrap aborted",
			"phase", abortErr.Phase, "system", abortErr.System, "error", abortErr.Err,
			"failed", o.machine.InState(lifecycle.StateFailed),
			"duration_ms", result.DurationMs)
		return result, abortErr
	}

	o.bootstrapped.Store(true)
	o.finishResult(result, start, nil)
	o.announce(ctx, result)
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String("bootstrap.status", result.Status))
	o.logger.InfoContext(ctx, "bootstrap completed", "duration_ms", result.DurationMs)

	if o.cfg.Prewarm {
		o.prewarm(ctx)
	}
	if o.cfg.HealthMonitoring && !o.monitor.Running() {
		if err := o.monitor.Start(context.WithoutCancel(ctx), o.cfg.HealthInterval); err != nil {
			o.logger.WarnContext(ctx, "health polling not started", "error", err)
		}
	}
	agg := o.monitor.Check(ctx)
	o.logger.InfoContext(ctx, "initial health check", "overall", agg.Overall, "healthy", agg.Healthy, "total", agg.Total)

	return result, nil
}

func (o *Orchestrator) finishResult(result *BootstrapResult, start time.Time, err error) {
	result.Status = StatusOK
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
	}
	result.Systems = o.machine.Snapshot()
	d := time.Since(start)
	result.DurationMs = d.Milliseconds()
	o.recorder.RecordBootstrap(result.Status, d)
	o.storeResult(result)
}

// announce hands the result to every sink that records bootstrap runs.
// Failures are logged only.
func (o *Orchestrator) announce(ctx context.Context, result *BootstrapResult) {
	for _, s := range o.sinks {
		bp, ok := s.(bootstrapPublisher)
		if !ok {
			continue
		}
		if err := bp.PublishBootstrap(ctx, *result); err != nil {
			o.logger.WarnContext(ctx, "bootstrap result not published", "sink", s.Name(), "error", err)
		}
	}
}

// runPhase starts every system of phase and joins them within the phase
// transition timeout.
func (o *Orchestrator) runPhase(ctx, waitCtx context.Context, r *run, phase graph.Phase) (PhaseResult, *PhaseAbortError) {
	descs := o.plan.Phase(phase)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "starrynight.bootstrap.phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("bootstrap.phase", string(phase)),
		attribute.Int("bootstrap.phase.systems", len(descs)),
	)

	state := &phaseState{outcomes: make([]outcome, len(descs))}

	// Use a plain errgroup (no context) so one failing system does not cancel
	// its siblings.
	var g errgroup.Group
	for i, d := range descs {
		g.Go(func() error {
			t0 := time.Now()
			skipped, err := o.startSystem(ctx, waitCtx, r, phase, d)
			state.finish(i, outcome{err: err, skipped: skipped, duration: time.Since(t0)})
			return err
		})
	}

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()

	timedOut := false
	timer := time.NewTimer(o.cfg.PhaseTransitionTimeout)
	select {
	case <-joined:
		timer.Stop()
	case <-timer.C:
		timedOut = true
	}

	outcomes := state.snapshot()
	pr := PhaseResult{
		Name:    string(phase),
		Status:  StatusOK,
		Systems: make(map[string]SystemResult, len(descs)),
	}
	var abort *PhaseAbortError
	for i, d := range descs {
		oc := outcomes[i]
		sr := SystemResult{Status: StatusOK, DurationMs: oc.duration.Milliseconds()}
		switch {
		case !oc.done:
			sr.Status = StatusInProgress
		case oc.err != nil:
			sr.Status = StatusError
			sr.Error = oc.err.Error()
			if abort == nil {
				abort = &PhaseAbortError{Phase: phase, System: d.Name, Err: oc.err}
			}
		case oc.skipped:
			sr.Status = StatusSkipped
		}
		pr.Systems[d.Name] = sr
	}
	if timedOut && abort == nil {
		for i, d := range descs {
			if !outcomes[i].done {
				abort = &PhaseAbortError{
					Phase:  phase,
					System: d.Name,
					Err:    fmt.Errorf("%w after %s", ErrPhaseTimeout, o.cfg.PhaseTransitionTimeout),
				}
				break
			}
		}
	}
	pr.DurationMs = time.Since(start).Milliseconds()

	if abort != nil {
		pr.Status = StatusError
		pr.Error = abort.Error()
		span.SetStatus(codes.Error, pr.Error)
		return pr, abort
	}
	span.SetStatus(codes.Ok, "")
	o.logger.InfoContext(ctx, "bootstrap phase ok", "phase", phase, "duration_ms", pr.DurationMs)
	return pr, nil
}

// startSystem brings one system to ready. It reports skipped for a system
// already ready from an earlier run.
func (o *Orchestrator) startSystem(ctx, waitCtx context.Context, r *run, phase graph.Phase, d graph.Descriptor) (bool, error) {
	state, err := o.machine.State(d.Name)
	if err != nil {
		return false, err
	}
	switch state {
	case lifecycle.StateReady:
		return true, nil
	case lifecycle.StateInitializing:
		// A build from an aborted run has not returned yet; it fails itself.
		return false, &graph.SystemError{System: d.Name, Err: ErrSystemBusy}
	}
	if err := o.machine.Transition(d.Name, lifecycle.StateInitializing); err != nil {
		return false, err
	}

	start := time.Now()
	fail := func(err error) error {
		if terr := o.machine.Transition(d.Name, lifecycle.StateFailed); terr != nil {
			o.logger.ErrorContext(ctx, "state transition failed", "system", d.Name, "error", terr)
		}
		o.recorder.RecordFailed(ctx, d.Name, string(phase), time.Since(start))
		o.logger.WarnContext(ctx, "system failed", "system", d.Name, "phase", phase, "error", err)
		return err
	}

	for _, dep := range d.Dependencies {
		if err := o.machine.AwaitReady(waitCtx, dep, o.cfg.SystemReadinessTimeout); err != nil {
			return false, fail(err)
		}
	}

	f := o.owners[d.Name]
	instance, err := f.Build(ctx, d.Name)
	if err != nil {
		return false, fail(err)
	}

	r.mu.Lock()
	if r.abandoned {
		r.mu.Unlock()
		o.discard(ctx, f, d.Name)
		return false, fail(ErrAbandoned)
	}
	if o.shared.IsCanonical(d.Name) {
		if err := o.shared.Set(d.Name, instance); err != nil {
			r.mu.Unlock()
			o.discard(ctx, f, d.Name)
			return false, fail(&factory.CreationError{Domain: f.Domain(), Key: d.Name, Err: err})
		}
	}
	terr := o.machine.Transition(d.Name, lifecycle.StateReady)
	r.mu.Unlock()
	if terr != nil {
		return false, terr
	}

	o.trackColors(d.Name, instance)
	o.recorder.RecordInitialized(ctx, d.Name, string(phase), time.Since(start))
	o.logger.DebugContext(ctx, "system ready", "system", d.Name, "phase", phase,
		"duration_ms", time.Since(start).Milliseconds())
	return false, nil
}

// discard evicts and destroys an instance that will not be published.
func (o *Orchestrator) discard(ctx context.Context, f *factory.Factory, key string) {
	v, ok := f.Evict(key)
	if !ok {
		return
	}
	if err := capability.Destroy(ctx, v); err != nil {
		o.logger.WarnContext(ctx, "destroy of discarded system failed", "system", key, "error", err)
	}
}

// prewarm builds the catalog entries that are not in the phase plan.
func (o *Orchestrator) prewarm(ctx context.Context) {
	built := 0
	for _, f := range o.factories {
		for _, key := range f.Keys() {
			if _, planned := o.plan.Lookup(key); planned {
				continue
			}
			v, err := f.Build(ctx, key)
			if err != nil {
				o.logger.WarnContext(ctx, "prewarm failed", "system", key, "error", err)
				continue
			}
			o.trackColors(key, v)
			built++
		}
	}
	o.logger.InfoContext(ctx, "prewarm completed", "systems", built)
}

// teardown destroys every live system: unplanned instances first, then
// planned ready systems in reverse dependency order. Errors are collected
// and teardown continues.
func (o *Orchestrator) teardown(ctx context.Context) error {
	var errs []error

	for _, f := range o.factories {
		for key := range f.Instances() {
			if _, planned := o.plan.Lookup(key); planned {
				continue
			}
			if err := o.destroyInstance(ctx, f, key); err != nil {
				errs = append(errs, err)
			}
			o.untrackColors(key)
		}
	}

	for _, name := range o.plan.TeardownOrder() {
		state, err := o.machine.State(name)
		if err != nil {
			continue
		}
		if state == lifecycle.StateUninitialized {
			// Built on demand through GetSystem but never bootstrapped.
			if err := o.destroyInstance(ctx, o.owners[name], name); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if state != lifecycle.StateReady {
			continue
		}
		if err := o.destroyInstance(ctx, o.owners[name], name); err != nil {
			errs = append(errs, err)
		}
		o.shared.Delete(name)
		o.untrackColors(name)
		o.recorder.Forget(name)
		if err := o.machine.Transition(name, lifecycle.StateDestroyed); err != nil {
			errs = append(errs, err)
		}
	}
	o.shared.Clear()
	o.monitor.Reset()
	return errors.Join(errs...)
}

func (o *Orchestrator) destroyInstance(ctx context.Context, f *factory.Factory, key string) error {
	v, ok := f.Evict(key)
	if !ok {
		return nil
	}
	if err := capability.Destroy(ctx, v); err != nil {
		o.logger.WarnContext(ctx, "destroy failed", "system", key, "error", err)
		return fmt.Errorf("destroy %s: %w", key, err)
	}
	o.logger.DebugContext(ctx, "system destroyed", "system", key)
	return nil
}

// Shutdown stops health polling and tears every system down. Teardown is
// best-effort; the joined destroy errors are returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.bootstrapInProgress.CompareAndSwap(false, true) {
		return ErrBootstrapInProgress
	}
	defer o.bootstrapInProgress.Store(false)

	ctx, span := tracer.Start(ctx, "starrynight.shutdown")
	defer span.End()

	o.monitor.Stop()
	o.bootstrapped.Store(false)
	err := o.teardown(ctx)
	o.untrackAllColors()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(ctx, "shutdown completed with errors", "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	o.logger.InfoContext(ctx, "shutdown completed")
	return nil
}

// RunDeepHealth probes every sink concurrently and returns a map of sink name
// to ProbeResult.
func (o *Orchestrator) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(o.sinks))
	var mu sync.Mutex
	var g errgroup.Group

	for _, s := range o.sinks {
		g.Go(func() error {
			probe := s.Probe(ctx)
			mu.Lock()
			results[s.Name()] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}
