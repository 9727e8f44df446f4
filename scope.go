package dext

import (
	"github.com/hashicorp/go-multierror"
)

// Release undoes whatever a scope acquired. It must be safe to call exactly once.
type Release func() error

// NoopRelease is the release of a scope that acquired nothing.
func NoopRelease() error { return nil }

// WithScope acquires a scope, runs fn inside it and releases the scope on every exit path:
// normal return, returned error, or panic (the panic keeps propagating after release).
//
// If acquire fails, fn is not run and nothing is released. If both fn and the release
// fail, the returned error carries both; errors.Is and errors.As see each of them.
func WithScope(acquire func() (Release, error), fn func() error) (err error) {
	release, err := acquire()
	if err != nil {
		return err
	}
	if release == nil {
		release = NoopRelease
	}

	defer func() {
		if relErr := release(); relErr != nil {
			err = multierror.Append(err, relErr).ErrorOrNil()
		}
	}()

	return fn()
}

// WithGeneration runs fn inside ext's generation scope.
func WithGeneration(ext Extension, dctx *DenoiseContext, fn func() error) error {
	return WithScope(func() (Release, error) {
		return ext.PatchExtension(dctx)
	}, fn)
}

// WithModelPatch runs fn inside ext's patch scope for the given parameters and model.
func WithModelPatch(ext Extension, params StateDict, model any, fn func() error) error {
	return WithScope(func() (Release, error) {
		return ext.PatchModel(params, model)
	}, fn)
}
