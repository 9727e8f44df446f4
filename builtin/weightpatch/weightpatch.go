// Package weightpatch scales model weights for the duration of a generation.
//
// The patch is applied in PatchModel and reverted by the returned release, so the model
// is back to its original weights once the denoising loop exits, whatever the outcome.
package weightpatch

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rickchristie/dext"
)

// ErrUnsupportedTensor is returned for weights that are not []float32.
var ErrUnsupportedTensor = errors.New("weightpatch: unsupported tensor type")

// ErrMissingKey is returned when a configured key is not in the state dict.
var ErrMissingKey = errors.New("weightpatch: key not in state dict")

// Options configure a Scaler.
type Options struct {
	// Scale multiplies every selected weight. Zero means 1.
	Scale float64 `mapstructure:"scale"`

	// Keys selects weights by name. Empty selects every weight.
	Keys []string `mapstructure:"keys"`
}

// Scaler is an extension that multiplies selected weights in place.
type Scaler struct {
	dext.Base

	scale float32
	keys  []string
}

// New creates an initialized Scaler.
func New(opts Options) (*Scaler, error) {
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	s := &Scaler{scale: float32(scale), keys: slices.Clone(opts.Keys)}
	if err := s.Init(s); err != nil {
		return nil, err
	}
	return s, nil
}

// PatchModel scales the selected weights. Nothing is modified when any selected weight is
// missing or of an unsupported type. A weight selected twice, by a repeated key or by two
// names sharing one slice, is scaled once.
func (s *Scaler) PatchModel(params dext.StateDict, _ any) (dext.Release, error) {
	keys := s.keys
	if len(keys) == 0 {
		keys = slices.Sorted(maps.Keys(params))
	}

	var weights [][]float32
	for _, k := range keys {
		t, ok := params[k]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingKey, k)
		}
		w, ok := t.([]float32)
		if !ok {
			return nil, fmt.Errorf("%w: %q is %T", ErrUnsupportedTensor, k, t)
		}
		if !slices.ContainsFunc(weights, func(o []float32) bool { return sameSlice(o, w) }) {
			weights = append(weights, w)
		}
	}

	// Snapshot everything before scaling so partially overlapping slices restore cleanly.
	saved := make([][]float32, len(weights))
	for i, w := range weights {
		saved[i] = slices.Clone(w)
	}
	for _, w := range weights {
		for j := range w {
			w[j] *= s.scale
		}
	}

	return func() error {
		for i := len(weights) - 1; i >= 0; i-- {
			copy(weights[i], saved[i])
		}
		return nil
	}, nil
}

func sameSlice(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
