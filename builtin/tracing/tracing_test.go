package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/internal/tt"
	"github.com/rickchristie/dext/manager"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func runWith(t *testing.T, steps int, exts ...dext.Extension) (*dext.DenoiseContext, error) {
	t.Helper()
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(exts...))
	d := denoiser.New(
		&denoiser.NullUNet{Weights: dext.StateDict{"a": []float32{1}, "b": []float32{2}}},
		&denoiser.NullScheduler{},
		mgr,
		denoiser.DefaultConfig(),
	)
	dctx := dext.NewDenoiseContext(context.Background(), dext.Inputs{Steps: steps, Seed: 11})
	dctx.SetLatents([]float32{0})
	_, err := d.Run(dctx)
	return dctx, err
}

func spanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("span %q not recorded", name)
	return nil
}

func attrs(s sdktrace.ReadOnlySpan) map[string]attribute.Value {
	out := make(map[string]attribute.Value)
	for _, kv := range s.Attributes() {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestExtension_GenerationSpan(t *testing.T) {
	sr, tracer := setupTestTracer()
	ext, err := NewWithTracer(tracer)
	require.NoError(t, err)

	dctx, err := runWith(t, 3, ext)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	gen := spanByName(t, spans, "dext.generation")
	assert.Equal(t, codes.Ok, gen.Status().Code)

	a := attrs(gen)
	assert.Equal(t, dctx.RunID().String(), a["dext.run_id"].AsString())
	assert.Equal(t, int64(3), a["dext.steps"].AsInt64())
	assert.Equal(t, int64(11), a["dext.seed"].AsInt64())
	assert.Equal(t, int64(3), a["dext.callbacks.post_step"].AsInt64())

	require.Len(t, gen.Events(), 3)
	for i, ev := range gen.Events() {
		assert.Equal(t, "step", ev.Name)
		assert.Contains(t, ev.Attributes, attribute.Int("dext.step", i))
	}

	patch := spanByName(t, spans, "dext.patch_model")
	assert.Equal(t, gen.SpanContext().SpanID(), patch.Parent().SpanID())
	assert.Equal(t, gen.SpanContext().TraceID(), patch.SpanContext().TraceID())
	assert.Equal(t, int64(2), attrs(patch)["dext.params"].AsInt64())

	_, ok := dctx.Get(SpanKey)
	assert.True(t, ok)
}

func TestExtension_FailedRunSetsErrorStatus(t *testing.T) {
	sr, tracer := setupTestTracer()
	ext, err := NewWithTracer(tracer)
	require.NoError(t, err)

	rec := tt.NewRecorder(t, "boom", &tt.Log{}, tt.On{Event: dext.CallbackPreStep})
	rec.FailOn(dext.CallbackPreStep, errors.New("nope"))

	_, err = runWith(t, 3, ext, rec)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2, "spans end even when the loop fails")
	gen := spanByName(t, spans, "dext.generation")
	assert.Equal(t, codes.Error, gen.Status().Code)
	assert.Empty(t, gen.Events())
}

func TestExtension_DefaultNoopSafe(t *testing.T) {
	ext, err := New()
	require.NoError(t, err)

	_, err = runWith(t, 2, ext)
	assert.NoError(t, err)
}
