package denoiser_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/internal/tt"
	"github.com/rickchristie/dext/manager"
)

// scriptedUNet returns queued errors first, then a constant prediction.
type scriptedUNet struct {
	weights dext.StateDict
	errs    []error
	calls   int
}

func (u *scriptedUNet) StateDict() dext.StateDict { return u.weights }

func (u *scriptedUNet) Predict(_ context.Context, _ *dext.DenoiseContext) (dext.Tensor, error) {
	idx := u.calls
	u.calls++
	if idx < len(u.errs) && u.errs[idx] != nil {
		return nil, u.errs[idx]
	}
	return []float32{0.5}, nil
}

// subtractScheduler subtracts the prediction from the latents.
type subtractScheduler struct{}

func (subtractScheduler) Timesteps(steps int) []int {
	out := make([]int, steps)
	for i := range out {
		out[i] = (steps - i) * 10
	}
	return out
}

func (subtractScheduler) Step(_ context.Context, dctx *dext.DenoiseContext) (dext.Tensor, error) {
	lat := dctx.Latents().([]float32)
	pred := dctx.NoisePred().([]float32)
	out := make([]float32, len(lat))
	for i := range lat {
		out[i] = lat[i] - pred[i]
	}
	return out, nil
}

func allEvents() []tt.On {
	var on []tt.On
	for _, ev := range dext.StandardCallbackTypes() {
		on = append(on, tt.On{Event: ev})
	}
	return on
}

func newRun(steps int) *dext.DenoiseContext {
	dctx := dext.NewDenoiseContext(context.Background(), dext.Inputs{Steps: steps})
	dctx.SetLatents([]float32{2})
	return dctx
}

func fastConfig() denoiser.Config {
	return denoiser.Config{MaxRetries: 2}
}

// -----------------------------------------------------------------------------
// Happy path
// -----------------------------------------------------------------------------

func TestDenoiser_EventOrder(t *testing.T) {
	log := &tt.Log{}
	rec := tt.NewRecorder(t, "r", log, allEvents()...)
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(rec))

	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, mgr, fastConfig())
	latents, err := d.Run(newRun(2))

	require.NoError(t, err)
	assert.Equal(t, []float32{1}, latents)

	step := []string{
		"r:pre_step", "r:pre_unet", "r:post_unet", "r:post_combine_noise_preds", "r:post_step",
	}
	expected := []string{"r:setup", "r:enter-generation", "r:enter-patch", "r:pre_denoise_loop"}
	expected = append(expected, step...)
	expected = append(expected, step...)
	expected = append(expected, "r:post_denoise_loop", "r:exit-patch", "r:exit-generation")

	assert.Equal(t, expected, log.Entries())
}

func TestDenoiser_PositionVisibleToCallbacks(t *testing.T) {
	var seen []string
	ext := &positionExt{seen: &seen}
	require.NoError(t, ext.Init(ext))

	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(ext))

	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, mgr, fastConfig())
	dctx := newRun(3)
	_, err := d.Run(dctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"0/3@30", "1/3@20", "2/3@10"}, seen)
	assert.Equal(t, int64(3), dctx.CallbackCount(dext.CallbackPreStep))
	assert.NoError(t, dctx.Err())
}

type positionExt struct {
	dext.Base
	seen *[]string
}

func (e *positionExt) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{dext.Callback(dext.CallbackPreStep, 0, e.record)}
}

func (e *positionExt) record(dctx *dext.DenoiseContext) error {
	*e.seen = append(*e.seen, fmt.Sprintf("%d/%d@%d", dctx.Step(), dctx.TotalSteps(), dctx.Timestep()))
	return nil
}

func TestDenoiser_SetupCanChangeSteps(t *testing.T) {
	ext := &setupExt{}
	require.NoError(t, ext.Init(ext))
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(ext))

	unet := &scriptedUNet{}
	d := denoiser.New(unet, subtractScheduler{}, mgr, fastConfig())
	_, err := d.Run(newRun(1))

	require.NoError(t, err)
	assert.Equal(t, 4, unet.calls)
}

type setupExt struct {
	dext.Base
}

func (e *setupExt) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{dext.Unordered(dext.CallbackSetup, e.setSteps)}
}

func (e *setupExt) setSteps(dctx *dext.DenoiseContext) error {
	dctx.UpdateInputs(func(in *dext.Inputs) { in.Steps = 4 })
	return nil
}

func TestDenoiser_NilManager(t *testing.T) {
	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, nil, fastConfig())
	latents, err := d.Run(newRun(1))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5}, latents)
	assert.Equal(t, 0, d.Manager().Len())
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

func TestDenoiser_InvalidSteps(t *testing.T) {
	log := &tt.Log{}
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(tt.NewRecorder(t, "r", log)))

	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, mgr, fastConfig())
	dctx := newRun(0)
	_, err := d.Run(dctx)

	assert.ErrorIs(t, err, denoiser.ErrInvalidSteps)
	assert.ErrorIs(t, dctx.Err(), denoiser.ErrInvalidSteps)
	assert.Empty(t, log.Entries(), "no scope entered")
}

func TestDenoiser_CallbackErrorReleasesScopes(t *testing.T) {
	log := &tt.Log{}
	boom := errors.New("boom")
	rec := tt.NewRecorder(t, "r", log, tt.On{Event: dext.CallbackPostUNet}).
		FailOn(dext.CallbackPostUNet, boom)
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(rec))

	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, mgr, fastConfig())
	_, err := d.Run(newRun(3))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, manager.IsCallbackError(err))
	assert.Contains(t, err.Error(), "step 0")
	assert.Equal(t, []string{
		"r:enter-generation",
		"r:enter-patch",
		"r:post_unet",
		"r:exit-patch",
		"r:exit-generation",
	}, log.Entries())
}

func TestDenoiser_SetupErrorSkipsScopes(t *testing.T) {
	log := &tt.Log{}
	boom := errors.New("bad inputs")
	rec := tt.NewRecorder(t, "r", log, tt.On{Event: dext.CallbackSetup}).FailOn(dext.CallbackSetup, boom)
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(rec))

	d := denoiser.New(&scriptedUNet{}, subtractScheduler{}, mgr, fastConfig())
	_, err := d.Run(newRun(1))

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "setup")
	assert.Equal(t, []string{"r:setup"}, log.Entries())
}

func TestDenoiser_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := &tt.Log{}
	cancelExt := &cancelAfterFirstStep{cancel: cancel}
	require.NoError(t, cancelExt.Init(cancelExt))
	rec := tt.NewRecorder(t, "r", log, tt.On{Event: dext.CallbackPreStep})

	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(cancelExt, rec))

	unet := &scriptedUNet{}
	d := denoiser.New(unet, subtractScheduler{}, mgr, fastConfig())
	dctx := dext.NewDenoiseContext(ctx, dext.Inputs{Steps: 5})
	dctx.SetLatents([]float32{2})

	_, err := d.Run(dctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "step 1")
	assert.Equal(t, 1, unet.calls)
	assert.Equal(t, []string{
		"r:enter-generation",
		"r:enter-patch",
		"r:pre_step",
		"r:exit-patch",
		"r:exit-generation",
	}, log.Entries())
}

type cancelAfterFirstStep struct {
	dext.Base
	cancel context.CancelFunc
}

func (e *cancelAfterFirstStep) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{dext.Callback(dext.CallbackPostStep, 0, e.onPostStep)}
}

func (e *cancelAfterFirstStep) onPostStep(*dext.DenoiseContext) error {
	e.cancel()
	return nil
}

// -----------------------------------------------------------------------------
// Retries
// -----------------------------------------------------------------------------

func TestDenoiser_Retries(t *testing.T) {
	type input struct {
		errs       []error
		maxRetries uint64
	}

	type expected struct {
		ok        bool
		calls     int
		transient bool
	}

	permanent := errors.New("out of memory")
	transient := fmt.Errorf("device busy: %w", dext.ErrTransient)

	tests := []struct {
		name     string
		input    input
		expected expected
	}{
		{
			name:     "transient then success",
			input:    input{errs: []error{transient, transient}, maxRetries: 2},
			expected: expected{ok: true, calls: 3},
		},
		{
			name:     "transient exhausts retries",
			input:    input{errs: []error{transient, transient, transient}, maxRetries: 2},
			expected: expected{ok: false, calls: 3, transient: true},
		},
		{
			name:     "permanent is not retried",
			input:    input{errs: []error{permanent}, maxRetries: 5},
			expected: expected{ok: false, calls: 1},
		},
		{
			name:     "no retries configured",
			input:    input{errs: []error{transient}, maxRetries: 0},
			expected: expected{ok: false, calls: 1, transient: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			unet := &scriptedUNet{errs: tc.input.errs}
			d := denoiser.New(unet, subtractScheduler{}, nil, denoiser.Config{MaxRetries: tc.input.maxRetries})

			_, err := d.Run(newRun(1))

			assert.Equal(t, tc.expected.calls, unet.calls)
			if tc.expected.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "predict")
			assert.Equal(t, tc.expected.transient, errors.Is(err, dext.ErrTransient))
			if !tc.expected.transient {
				assert.ErrorIs(t, err, permanent)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Null implementations
// -----------------------------------------------------------------------------

func TestNullUNetAndScheduler(t *testing.T) {
	unet := &denoiser.NullUNet{Weights: dext.StateDict{"w": []float32{1}}}
	sched := &denoiser.NullScheduler{}

	assert.Equal(t, []int{999, 749, 499, 249}, sched.Timesteps(4))

	d := denoiser.New(unet, sched, nil, denoiser.DefaultConfig())
	latents, err := d.Run(newRun(4))
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, latents)

	dctx := newRun(1)
	dctx.SetLatents("not a tensor we know")
	_, err = unet.Predict(context.Background(), dctx)
	assert.Error(t, err)
}
