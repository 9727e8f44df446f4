// Package builtin registers the extensions shipped with dext under their config names.
//
// # Names
//
//	steplog      structured step logging           (always)
//	weightpatch  scales weights while patched      (always)
//	tracing      OpenTelemetry generation spans    (always; global provider unless Deps.Tracer)
//	metrics      Prometheus collectors             (when Deps.Metrics is set)
//	prompt       LLM prompt expansion at setup     (when Deps.LLM is set)
//
// Every factory builds a fresh, initialized instance, so the same registry can serve many
// concurrent runs.
package builtin

import (
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/builtin/metrics"
	"github.com/rickchristie/dext/builtin/prompt"
	"github.com/rickchristie/dext/builtin/steplog"
	"github.com/rickchristie/dext/builtin/tracing"
	"github.com/rickchristie/dext/builtin/weightpatch"
	"github.com/rickchristie/dext/config"
)

// Deps are the shared resources builtin extensions are built with.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Tracer  trace.Tracer
	LLM     llms.Model
}

// Register adds every builtin available with deps to r.
// Returns the registry for chaining.
func Register(r *config.Registry, deps Deps) *config.Registry {
	r.Register("steplog", func(options map[string]any) (dext.Extension, error) {
		var opts steplog.Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		return steplog.New(deps.Logger, opts)
	})

	r.Register("weightpatch", func(options map[string]any) (dext.Extension, error) {
		var opts weightpatch.Options
		if err := config.Decode(options, &opts); err != nil {
			return nil, err
		}
		return weightpatch.New(opts)
	})

	r.Register("tracing", func(options map[string]any) (dext.Extension, error) {
		if err := config.Decode(options, &struct{}{}); err != nil {
			return nil, err
		}
		if deps.Tracer != nil {
			return tracing.NewWithTracer(deps.Tracer)
		}
		return tracing.New()
	})

	if deps.Metrics != nil {
		r.Register("metrics", func(options map[string]any) (dext.Extension, error) {
			if err := config.Decode(options, &struct{}{}); err != nil {
				return nil, err
			}
			return metrics.New(deps.Metrics)
		})
	}

	if deps.LLM != nil {
		r.Register("prompt", func(options map[string]any) (dext.Extension, error) {
			var opts prompt.Options
			if err := config.Decode(options, &opts); err != nil {
				return nil, err
			}
			return prompt.New(deps.LLM, opts)
		})
	}

	return r
}
