package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmc/langchaingo/llms/ollama"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/builtin"
	"github.com/rickchristie/dext/builtin/metrics"
	"github.com/rickchristie/dext/config"
	"github.com/rickchristie/dext/manager"
)

// session is a loaded pipeline plus the shared resources its extensions are built with.
type session struct {
	pipeline *config.Pipeline
	registry *config.Registry
	logger   *slog.Logger
	metrics  *prometheus.Registry
	tracer   *sdktrace.TracerProvider
}

// loadSession reads the pipeline at path and prepares a registry with every builtin.
// Config errors map to ExitCommandError.
func loadSession(opts *RootOptions, path string, errOut io.Writer) (*session, error) {
	p, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load pipeline", err)
	}

	logger := opts.logger(errOut)
	reg := prometheus.NewRegistry()
	collectors, err := metrics.NewCollectors(reg, "dext")
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "metrics", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(&spanLogger{logger: logger}))

	deps := builtin.Deps{
		Logger:  logger,
		Metrics: collectors,
		Tracer:  tp.Tracer("github.com/rickchristie/dext/cli"),
	}
	if opts.OllamaModel != "" {
		ollamaOpts := []ollama.Option{ollama.WithModel(opts.OllamaModel)}
		if opts.OllamaURL != "" {
			ollamaOpts = append(ollamaOpts, ollama.WithServerURL(opts.OllamaURL))
		}
		llm, err := ollama.New(ollamaOpts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "ollama", err)
		}
		deps.LLM = llm
	}

	s := &session{
		pipeline: p,
		registry: builtin.Register(config.NewRegistry(), deps),
		logger:   logger,
		metrics:  reg,
		tracer:   tp,
	}

	// Fail early on unknown names and bad options rather than inside a worker.
	if _, err := s.extensions(); err != nil {
		return nil, err
	}
	return s, nil
}

// extensions builds a fresh extension set for one run.
func (s *session) extensions() ([]dext.Extension, error) {
	exts, err := s.registry.Build(s.pipeline)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "build extensions", err)
	}
	return exts, nil
}

// manager builds a manager over a fresh extension set.
func (s *session) manager() (*manager.Manager, error) {
	exts, err := s.extensions()
	if err != nil {
		return nil, err
	}
	mgr := manager.New(s.logger)
	if err := mgr.Add(exts...); err != nil {
		return nil, WrapExitError(ExitCommandError, "register extensions", err)
	}
	return mgr, nil
}

func (s *session) close() {
	_ = s.tracer.Shutdown(context.Background())
}

// -----------------------------------------------------------------------------
// spanLogger - span exporter writing finished spans to the diagnostic log
// -----------------------------------------------------------------------------

type spanLogger struct {
	logger *slog.Logger
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *spanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.DebugContext(ctx, "span",
			slog.String("name", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
			slog.Int("events", len(s.Events())),
		)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *spanLogger) Shutdown(context.Context) error {
	return nil
}
