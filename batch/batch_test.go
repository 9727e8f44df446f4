package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/builtin/weightpatch"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/internal/tt"
)

func nullModels() (denoiser.UNet, denoiser.Scheduler, error) {
	unet := &denoiser.NullUNet{Weights: dext.StateDict{"attn": []float32{1, 2}}}
	return unet, &denoiser.NullScheduler{}, nil
}

func zeros() dext.Tensor { return make([]float32, 4) }

func TestRunner_RunsEverySeed(t *testing.T) {
	var built atomic.Int32
	log := &tt.Log{}

	r, err := New(nullModels, func() ([]dext.Extension, error) {
		built.Add(1)
		rec := tt.NewRecorder(t, "rec", log, tt.On{Event: dext.CallbackPostStep})
		scale, err := weightpatch.New(weightpatch.Options{Scale: 2})
		if err != nil {
			return nil, err
		}
		return []dext.Extension{rec, scale}, nil
	}, Config{Workers: 3})
	require.NoError(t, err)
	defer r.Close()

	jobs := Seeds(dext.Inputs{Prompt: "fox", Steps: 3}, zeros, 1, 2, 3, 4, 5)
	results := r.Run(context.Background(), jobs)

	require.NoError(t, Errors(results))
	require.Len(t, results, 5)
	assert.Equal(t, int32(5), built.Load(), "one extension set per job")

	ids := make(map[string]bool)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, int64(i+1), res.Seed)
		assert.Equal(t, []float32{0, 0, 0, 0}, res.Latents)
		assert.Equal(t, int64(3), res.Counts[dext.CallbackPostStep])
		ids[res.RunID.String()] = true
	}
	assert.Len(t, ids, 5, "run IDs are unique")
	assert.Len(t, log.Entries(), 15)
}

func TestRunner_FailuresAreIsolated(t *testing.T) {
	var n atomic.Int32
	boom := errors.New("boom")

	r, err := New(nullModels, func() ([]dext.Extension, error) {
		if n.Add(1) == 2 {
			return nil, boom
		}
		return nil, nil
	}, Config{Workers: 1})
	require.NoError(t, err)
	defer r.Close()

	results := r.Run(context.Background(), Seeds(dext.Inputs{Steps: 1}, zeros, 10, 20, 30))

	var failed []int
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Index)
			assert.ErrorIs(t, res.Err, boom)
		}
	}
	assert.Len(t, failed, 1)

	err = Errors(results)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

type panicUNet struct{ denoiser.NullUNet }

func (panicUNet) Predict(context.Context, *dext.DenoiseContext) (dext.Tensor, error) {
	panic("kaboom")
}

func TestRunner_PanicBecomesError(t *testing.T) {
	r, err := New(func() (denoiser.UNet, denoiser.Scheduler, error) {
		return &panicUNet{}, &denoiser.NullScheduler{}, nil
	}, func() ([]dext.Extension, error) { return nil, nil }, Config{Workers: 2})
	require.NoError(t, err)
	defer r.Close()

	results := r.Run(context.Background(), Seeds(dext.Inputs{Steps: 2}, nil, 1))
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "kaboom")
}

func TestRunner_CancelledContext(t *testing.T) {
	r, err := New(nullModels, func() ([]dext.Extension, error) { return nil, nil }, Config{Workers: 2})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := r.Run(ctx, Seeds(dext.Inputs{Steps: 4}, zeros, 1, 2))
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
}

func TestRunner_ClosedPool(t *testing.T) {
	r, err := New(nullModels, func() ([]dext.Extension, error) { return nil, nil }, Config{})
	require.NoError(t, err)
	r.Close()

	results := r.Run(context.Background(), Seeds(dext.Inputs{Steps: 1}, nil, 1))
	assert.Error(t, results[0].Err)
}

func TestRunner_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	r, err := New(nullModels, func() ([]dext.Extension, error) {
		g := &gauge{mu: &mu, active: &active, peak: &peak}
		if err := g.Init(g); err != nil {
			return nil, err
		}
		return []dext.Extension{g}, nil
	}, Config{Workers: 2})
	require.NoError(t, err)
	defer r.Close()

	results := r.Run(context.Background(), Seeds(dext.Inputs{Steps: 5}, zeros, 1, 2, 3, 4, 5, 6))
	require.NoError(t, Errors(results))
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

// gauge tracks how many generations are inside their extension scope at once.
type gauge struct {
	dext.Base
	mu     *sync.Mutex
	active *int
	peak   *int
}

func (g *gauge) PatchExtension(*dext.DenoiseContext) (dext.Release, error) {
	g.mu.Lock()
	*g.active++
	*g.peak = max(*g.peak, *g.active)
	g.mu.Unlock()
	return func() error {
		g.mu.Lock()
		*g.active--
		g.mu.Unlock()
		return nil
	}, nil
}

func TestNew_NilFactory(t *testing.T) {
	_, err := New(nil, func() ([]dext.Extension, error) { return nil, nil }, Config{})
	assert.Error(t, err)
}
