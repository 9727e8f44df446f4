// Package dext lets extensions hook into an iterative diffusion denoising loop.
//
// An extension declares callbacks for pipeline stages ("pre_step", "post_unet", ...) and
// may override two scoped activation points: one wrapping a whole generation run and one
// wrapping a model patch. The loop itself, the tensors and the model are opaque to this
// package.
//
// # Quick Start
//
//	type Guidance struct {
//	    dext.Base
//	    scale float64
//	}
//
//	func NewGuidance(scale float64) (*Guidance, error) {
//	    g := &Guidance{scale: scale}
//	    if err := g.Init(g); err != nil {
//	        return nil, err
//	    }
//	    return g, nil
//	}
//
//	func (g *Guidance) Callbacks() []dext.CallbackTag {
//	    return []dext.CallbackTag{
//	        dext.Callback(dext.CallbackPostCombineNoisePreds, 10, g.rescale),
//	    }
//	}
//
//	func (g *Guidance) rescale(dctx *dext.DenoiseContext) error {
//	    // read dctx.NoisePred(), write dctx.SetNoisePred(...)
//	    return nil
//	}
//
// Register extensions with a manager and drive them with a loop:
//
//	mgr := manager.New(slog.Default())
//	if err := mgr.Add(guidance, stepLogger); err != nil { ... }
//	d := denoiser.New(unet, scheduler, mgr, denoiser.DefaultConfig())
//	latents, err := d.Run(dext.NewDenoiseContext(ctx, inputs))
//
// # Ordering
//
// Each extension's records keep declaration order. Consumers merge the records of all
// extensions for an event and sort them by priority, lower first, breaking ties by
// extension registration order and then declaration order. See package manager.
//
// # Scopes
//
// Scoped activation returns a [Release]; [WithScope] guarantees it runs on every exit path,
// including errors and panics inside the wrapped region.
package dext
