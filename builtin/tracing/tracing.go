// Package tracing wraps each generation in an OpenTelemetry span.
//
// The generation span covers the extension scope. The model patch scope gets a child
// span, and every completed step is recorded as a span event. With no TracerProvider
// configured globally the noop tracer is used and the extension costs next to nothing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/dext"
)

// tracerName is the instrumentation scope name.
const tracerName = "github.com/rickchristie/dext"

// SpanKey is the DenoiseContext key holding the active generation span.
const SpanKey = "tracing.span"

// Extension records spans for one generation at a time.
type Extension struct {
	dext.Base

	tracer    trace.Tracer
	genCtx    context.Context
	completed bool
}

// New creates an Extension using the global tracer provider.
func New() (*Extension, error) {
	return NewWithTracer(otel.Tracer(tracerName))
}

// NewWithTracer creates an Extension using tracer.
func NewWithTracer(tracer trace.Tracer) (*Extension, error) {
	e := &Extension{tracer: tracer}
	if err := e.Init(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Callbacks implements dext.CallbackProvider.
func (e *Extension) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{
		dext.Unordered(dext.CallbackPostStep, e.onPostStep),
		dext.Unordered(dext.CallbackPostDenoiseLoop, e.onPostLoop),
	}
}

// PatchExtension starts the generation span. The release ends it, with status Ok only
// if the denoising loop ran to completion.
func (e *Extension) PatchExtension(dctx *dext.DenoiseContext) (dext.Release, error) {
	in := dctx.Inputs()
	ctx, span := e.tracer.Start(dctx.Context(), "dext.generation",
		trace.WithAttributes(
			attribute.String("dext.run_id", dctx.RunID().String()),
			attribute.Int("dext.steps", in.Steps),
			attribute.Int64("dext.seed", in.Seed),
			attribute.Float64("dext.guidance", in.Guidance),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	e.genCtx = ctx
	e.completed = false
	dctx.Set(SpanKey, span)

	return func() error {
		if e.completed {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, "generation did not complete")
		}
		span.End()
		e.genCtx = nil
		return nil
	}, nil
}

// PatchModel starts a child span covering the model patch scope.
func (e *Extension) PatchModel(params dext.StateDict, _ any) (dext.Release, error) {
	parent := e.genCtx
	if parent == nil {
		parent = context.Background()
	}
	_, span := e.tracer.Start(parent, "dext.patch_model",
		trace.WithAttributes(attribute.Int("dext.params", len(params))),
	)
	return func() error {
		span.End()
		return nil
	}, nil
}

func (e *Extension) onPostStep(dctx *dext.DenoiseContext) error {
	if e.genCtx == nil {
		return nil
	}
	trace.SpanFromContext(e.genCtx).AddEvent("step", trace.WithAttributes(
		attribute.Int("dext.step", dctx.Step()),
		attribute.Int("dext.timestep", dctx.Timestep()),
	))
	return nil
}

func (e *Extension) onPostLoop(dctx *dext.DenoiseContext) error {
	e.completed = true
	if e.genCtx != nil {
		span := trace.SpanFromContext(e.genCtx)
		for event, n := range dctx.CallbackCounts() {
			span.SetAttributes(attribute.Int64("dext.callbacks."+string(event), n))
		}
	}
	return nil
}
