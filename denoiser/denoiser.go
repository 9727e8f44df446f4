package denoiser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/manager"
)

// ErrInvalidSteps is returned when a run is started without any steps to take.
var ErrInvalidSteps = errors.New("denoiser: steps must be positive")

// UNet predicts noise for the current step. The handle itself is what extensions receive
// as the model in their patch scope.
type UNet interface {
	// StateDict returns the live weights. Patch scopes may modify them in place.
	StateDict() dext.StateDict

	// Predict returns the noise prediction for dctx's latents at dctx's timestep.
	// Errors wrapping dext.ErrTransient are retried.
	Predict(ctx context.Context, dctx *dext.DenoiseContext) (dext.Tensor, error)
}

// Scheduler decides the timesteps and applies each noise prediction to the latents.
type Scheduler interface {
	Timesteps(steps int) []int
	Step(ctx context.Context, dctx *dext.DenoiseContext) (dext.Tensor, error)
}

// Config holds configuration options for the Denoiser.
type Config struct {
	// MaxRetries is how many times a transient Predict failure is retried.
	MaxRetries uint64

	// RetryInterval is the constant wait between retries.
	RetryInterval time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Denoiser runs the denoising loop for one UNet and Scheduler pair.
//
// A Denoiser can be reused for consecutive runs, but its manager (and therefore its
// extensions) serve one run at a time.
type Denoiser struct {
	unet      UNet
	scheduler Scheduler
	mgr       *manager.Manager
	config    Config
	logger    *slog.Logger
}

// New creates a Denoiser. A nil manager behaves like one with no extensions.
func New(unet UNet, scheduler Scheduler, mgr *manager.Manager, config Config) *Denoiser {
	if mgr == nil {
		mgr = manager.New(nil)
	}
	return &Denoiser{
		unet:      unet,
		scheduler: scheduler,
		mgr:       mgr,
		config:    config,
		logger:    slog.New(slog.DiscardHandler),
	}
}

// WithLogger sets the logger used for retry and completion messages.
// Returns the denoiser for chaining.
func (d *Denoiser) WithLogger(logger *slog.Logger) *Denoiser {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// Manager returns the extension manager driven by this denoiser.
func (d *Denoiser) Manager() *manager.Manager {
	return d.mgr
}

// Run executes one generation and returns the final latents.
//
// The outcome is also recorded on dctx via Finish. Initial latents are whatever dctx
// holds when the loop starts; callers or setup callbacks set them.
func (d *Denoiser) Run(dctx *dext.DenoiseContext) (latents dext.Tensor, err error) {
	defer func() {
		dctx.Finish(err)
		d.logger.Debug("denoise run finished",
			slog.String("run_id", dctx.RunID().String()),
			slog.Duration("duration", dctx.Duration()),
			slog.Bool("ok", err == nil),
		)
	}()

	if err := d.mgr.RunCallback(dext.CallbackSetup, dctx); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	steps := dctx.Inputs().Steps
	if steps <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, steps)
	}
	timesteps := d.scheduler.Timesteps(steps)

	err = d.mgr.PatchExtensions(dctx, func() error {
		return d.mgr.PatchModel(d.unet.StateDict(), d.unet, func() error {
			return d.loop(dctx, timesteps)
		})
	})
	if err != nil {
		return nil, err
	}
	return dctx.Latents(), nil
}

func (d *Denoiser) loop(dctx *dext.DenoiseContext, timesteps []int) error {
	if err := d.mgr.RunCallback(dext.CallbackPreDenoiseLoop, dctx); err != nil {
		return err
	}

	for i, t := range timesteps {
		if err := dctx.Context().Err(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		dctx.SetPosition(i, len(timesteps), t)
		if err := d.step(dctx); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	return d.mgr.RunCallback(dext.CallbackPostDenoiseLoop, dctx)
}

func (d *Denoiser) step(dctx *dext.DenoiseContext) error {
	if err := d.mgr.RunCallback(dext.CallbackPreStep, dctx); err != nil {
		return err
	}
	if err := d.mgr.RunCallback(dext.CallbackPreUNet, dctx); err != nil {
		return err
	}

	pred, err := d.predict(dctx)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	dctx.SetNoisePred(pred)

	if err := d.mgr.RunCallback(dext.CallbackPostUNet, dctx); err != nil {
		return err
	}
	if err := d.mgr.RunCallback(dext.CallbackPostCombineNoisePreds, dctx); err != nil {
		return err
	}

	next, err := d.scheduler.Step(dctx.Context(), dctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	dctx.SetLatents(next)

	return d.mgr.RunCallback(dext.CallbackPostStep, dctx)
}

// predict calls the UNet, retrying failures that wrap dext.ErrTransient.
func (d *Denoiser) predict(dctx *dext.DenoiseContext) (dext.Tensor, error) {
	ctx := dctx.Context()

	op := func() (dext.Tensor, error) {
		pred, err := d.unet.Predict(ctx, dctx)
		if err != nil && !errors.Is(err, dext.ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return pred, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.config.RetryInterval), d.config.MaxRetries),
		ctx,
	)

	return backoff.RetryNotifyWithData(op, policy, func(err error, wait time.Duration) {
		d.logger.Debug("retrying unet prediction",
			slog.Int("step", dctx.Step()),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}
