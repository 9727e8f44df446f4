package dext

// CallbackType names a stage of the denoising pipeline at which callbacks run.
//
// The set is open: loops may define their own stages, and any non-empty identifier
// without whitespace is accepted by discovery. The constants below are the stages
// fired by the reference loop in the denoiser package, in the order they occur.
//
//	setup
//	pre_denoise_loop
//	    pre_step
//	        pre_unet
//	        post_unet
//	        post_combine_noise_preds
//	    post_step
//	post_denoise_loop
type CallbackType string

const (
	// CallbackSetup runs once before any scope is entered. Use it to adjust inputs.
	CallbackSetup CallbackType = "setup"

	// Denoise loop boundaries.
	CallbackPreDenoiseLoop  CallbackType = "pre_denoise_loop"
	CallbackPostDenoiseLoop CallbackType = "post_denoise_loop"

	// Step boundaries.
	CallbackPreStep  CallbackType = "pre_step"
	CallbackPostStep CallbackType = "post_step"

	// Around the model prediction.
	CallbackPreUNet               CallbackType = "pre_unet"
	CallbackPostUNet              CallbackType = "post_unet"
	CallbackPostCombineNoisePreds CallbackType = "post_combine_noise_preds"
)

// StandardCallbackTypes lists the stages fired by the reference loop, in firing order.
func StandardCallbackTypes() []CallbackType {
	return []CallbackType{
		CallbackSetup,
		CallbackPreDenoiseLoop,
		CallbackPreStep,
		CallbackPreUNet,
		CallbackPostUNet,
		CallbackPostCombineNoisePreds,
		CallbackPostStep,
		CallbackPostDenoiseLoop,
	}
}
