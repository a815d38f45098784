package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type full struct {
	initErr    error
	destroyErr error
	report     HealthReport
}

func (f *full) Initialize(context.Context) error         { return f.initErr }
func (f *full) Destroy(context.Context) error            { return f.destroyErr }
func (f *full) HealthCheck(context.Context) HealthReport { return f.report }

type panicky struct{}

func (panicky) Initialize(context.Context) error         { panic("boom") }
func (panicky) Destroy(context.Context) error            { panic("boom") }
func (panicky) HealthCheck(context.Context) HealthReport { panic("boom") }

func TestCapabilities_AbsentIsNotApplicable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bare := struct{}{}

	assert.NoError(t, Initialize(ctx, bare))
	assert.NoError(t, Destroy(ctx, bare))
	_, applicable := Probe(ctx, bare)
	assert.False(t, applicable)
}

func TestCapabilities_Delegate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &full{
		initErr:    errors.New("init"),
		destroyErr: errors.New("destroy"),
		report:     HealthReport{OK: true, Details: "fine"},
	}

	assert.EqualError(t, Initialize(ctx, f), "init")
	assert.EqualError(t, Destroy(ctx, f), "destroy")
	report, applicable := Probe(ctx, f)
	assert.True(t, applicable)
	assert.Equal(t, HealthReport{OK: true, Details: "fine"}, report)
}

func TestCapabilities_PanicsBecomeErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	assert.ErrorContains(t, Initialize(ctx, panicky{}), "panicked")
	assert.ErrorContains(t, Destroy(ctx, panicky{}), "panicked")

	report, applicable := Probe(ctx, panicky{})
	assert.True(t, applicable)
	assert.False(t, report.OK)
	assert.Contains(t, report.Details, "panicked")
}
