package denoiser

import (
	"context"
	"fmt"

	"github.com/rickchristie/dext"
)

// NullUNet predicts zero noise. Useful for dry runs that only exercise extensions.
// Latents must be []float32 (or nil).
type NullUNet struct {
	Weights dext.StateDict
}

// StateDict implements UNet.
func (u *NullUNet) StateDict() dext.StateDict {
	return u.Weights
}

// Predict implements UNet.
func (u *NullUNet) Predict(_ context.Context, dctx *dext.DenoiseContext) (dext.Tensor, error) {
	switch l := dctx.Latents().(type) {
	case nil:
		return nil, nil
	case []float32:
		return make([]float32, len(l)), nil
	default:
		return nil, fmt.Errorf("null unet: unsupported latents type %T", l)
	}
}

// NullScheduler spreads timesteps evenly over [0, TrainSteps) and leaves the latents
// unchanged on every step.
type NullScheduler struct {
	// TrainSteps defaults to 1000.
	TrainSteps int
}

// Timesteps implements Scheduler. Timesteps are returned in descending order.
func (s *NullScheduler) Timesteps(steps int) []int {
	train := s.TrainSteps
	if train <= 0 {
		train = 1000
	}
	out := make([]int, steps)
	for i := range out {
		out[i] = train - 1 - i*train/steps
	}
	return out
}

// Step implements Scheduler.
func (s *NullScheduler) Step(_ context.Context, dctx *dext.DenoiseContext) (dext.Tensor, error) {
	return dctx.Latents(), nil
}
