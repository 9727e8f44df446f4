package dext

import "fmt"

// Extension is implemented by everything the denoising loop can be extended with.
//
// # Implementing an Extension
//
// Embed [Base], declare callbacks from the extension's own methods and discover them once
// in the constructor:
//
//	type StepCounter struct {
//	    dext.Base
//	    steps int
//	}
//
//	func NewStepCounter() (*StepCounter, error) {
//	    e := &StepCounter{}
//	    if err := e.Init(e); err != nil {
//	        return nil, err
//	    }
//	    return e, nil
//	}
//
//	func (e *StepCounter) Callbacks() []dext.CallbackTag {
//	    return []dext.CallbackTag{
//	        dext.Callback(dext.CallbackPostStep, 0, e.onPostStep),
//	    }
//	}
//
//	func (e *StepCounter) onPostStep(dctx *dext.DenoiseContext) error {
//	    e.steps++
//	    return nil
//	}
//
// # Scoped Activation
//
// PatchExtension wraps a whole generation run and PatchModel wraps a single model patch.
// Both acquire whatever temporary state they need and return a [Release] that undoes it.
// The caller runs the release on every exit path, see [WithScope]. Base provides no-op
// versions of both, so extensions only override what they use.
//
// # Thread Safety
//
// Extensions are NOT thread-safe. A single instance must not be used by two runs at the
// same time; build one set of extensions per run instead.
type Extension interface {
	// Injections returns the callbacks discovered at construction, in declaration order.
	Injections() []InjectionInfo

	// PatchExtension activates the extension for one generation run.
	PatchExtension(dctx *DenoiseContext) (Release, error)

	// PatchModel activates the extension for one model-patching operation.
	// params maps parameter names to the model's tensors; model is the handle being patched.
	PatchModel(params StateDict, model any) (Release, error)
}

// Base carries the discovered callbacks and the default no-op scopes.
// Embed it by value in concrete extensions.
type Base struct {
	injections  []InjectionInfo
	initialized bool
}

// Init discovers the callbacks declared by self and stores them on the instance.
//
// self is normally the extension that embeds this Base. If it implements
// [CallbackProvider], every returned tag becomes one [InjectionInfo], in declaration order.
// Tagging the same handler more than once yields one record per tag. An extension with no
// callbacks ends up with an empty list, which is valid.
//
// Returns an error wrapping [ErrMalformedTag] if any tag is incomplete, and
// [ErrAlreadyInitialized] if called twice. On error the instance keeps no records.
func (b *Base) Init(self any) error {
	if b.initialized {
		return ErrAlreadyInitialized
	}

	var tags []CallbackTag
	if p, ok := self.(CallbackProvider); ok {
		tags = p.Callbacks()
	}

	injections := make([]InjectionInfo, 0, len(tags))
	for i, tag := range tags {
		if err := tag.validate(); err != nil {
			return fmt.Errorf("%w: %T tag %d: %v", ErrMalformedTag, self, i, err)
		}
		injections = append(injections, InjectionInfo{
			Type:     tag.Category,
			Name:     tag.Event,
			Order:    copyInt(tag.Priority),
			Function: tag.Handler,
		})
	}

	b.injections = injections
	b.initialized = true
	return nil
}

// Initialized reports whether Init has completed successfully.
func (b *Base) Initialized() bool {
	return b.initialized
}

// Injections returns a copy of the discovered callbacks.
func (b *Base) Injections() []InjectionInfo {
	out := make([]InjectionInfo, len(b.injections))
	for i, inj := range b.injections {
		inj.Order = copyInt(inj.Order)
		out[i] = inj
	}
	return out
}

// PatchExtension is a no-op generation scope.
func (b *Base) PatchExtension(*DenoiseContext) (Release, error) {
	return NoopRelease, nil
}

// PatchModel is a no-op patch scope.
func (b *Base) PatchModel(StateDict, any) (Release, error) {
	return NoopRelease, nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
