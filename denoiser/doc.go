// Package denoiser provides a reference denoising loop that drives dext extensions.
//
// The loop is deliberately thin: the model prediction and the scheduler update are
// interfaces, and everything else is callbacks. One run looks like this:
//
//	setup
//	generation scopes entered (every extension's PatchExtension)
//	    patch scopes entered (every extension's PatchModel on the UNet weights)
//	        pre_denoise_loop
//	        for each timestep:
//	            pre_step
//	            pre_unet, UNet.Predict, post_unet
//	            post_combine_noise_preds
//	            Scheduler.Step
//	            post_step
//	        post_denoise_loop
//	    patch scopes released
//	generation scopes released
//
// Scopes are released on every exit path, including callback errors and cancellation.
// The Go context of the DenoiseContext is checked before every step.
package denoiser
