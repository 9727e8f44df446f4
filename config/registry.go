package config

import (
	"fmt"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/rickchristie/dext"
)

// Factory builds one extension from its options map. The map may be nil.
type Factory func(options map[string]any) (dext.Extension, error)

// Registry maps extension names to factories.
//
// Registry is NOT thread-safe. Register all factories before building.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
// Returns the registry for chaining.
func (r *Registry) Register(name string, factory Factory) *Registry {
	r.factories[name] = factory
	return r
}

// Names returns the registered extension names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build constructs the pipeline's extensions in file order.
// Fails on the first unknown name or factory error.
func (r *Registry) Build(p *Pipeline) ([]dext.Extension, error) {
	exts := make([]dext.Extension, 0, len(p.Extensions))
	for i, spec := range p.Extensions {
		factory, ok := r.factories[spec.Name]
		if !ok {
			return nil, fmt.Errorf("%w: extensions[%d]: unknown extension %q (known: %v)",
				ErrInvalidConfig, i, spec.Name, r.Names())
		}
		ext, err := factory(spec.Options)
		if err != nil {
			return nil, fmt.Errorf("extensions[%d] %s: %w", i, spec.Name, err)
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

// Decode copies an options map into target, a pointer to a struct with `mapstructure`
// tags. Scalars are converted leniently ("0.5" into a float) and unknown keys are errors.
func Decode(options map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: options: %v", ErrInvalidConfig, err)
	}
	return nil
}
