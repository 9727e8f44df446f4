// Package steplog logs the progress of a denoising run with log/slog.
package steplog

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickchristie/dext"
)

// Priority of the step callback. Large, so it observes the step after other extensions
// have had their say.
const Priority = 1000

// Options configure a Logger. Zero values log every step at info level.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Every logs one step in Every. The last step is always logged.
	Every int `mapstructure:"every"`
}

// Logger is an extension that writes one structured line per step plus start and end
// lines for the loop.
type Logger struct {
	dext.Base

	logger *slog.Logger
	level  slog.Level
	every  int
}

// New creates an initialized Logger. A nil logger uses slog.Default().
func New(logger *slog.Logger, opts Options) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	every := opts.Every
	if every <= 0 {
		every = 1
	}

	l := &Logger{logger: logger, level: level, every: every}
	if err := l.Init(l); err != nil {
		return nil, err
	}
	return l, nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("steplog: level %q: %w", s, err)
	}
	return level, nil
}

// Callbacks implements dext.CallbackProvider.
func (l *Logger) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{
		dext.Callback(dext.CallbackPreDenoiseLoop, Priority, l.onStart),
		dext.Callback(dext.CallbackPostStep, Priority, l.onStep),
		dext.Callback(dext.CallbackPostDenoiseLoop, Priority, l.onEnd),
	}
}

func (l *Logger) onStart(dctx *dext.DenoiseContext) error {
	in := dctx.Inputs()
	l.logger.Log(dctx.Context(), l.level, "denoise started",
		slog.String("run_id", dctx.RunID().String()),
		slog.Int("steps", dctx.TotalSteps()),
		slog.Int64("seed", in.Seed),
		slog.String("prompt", in.Prompt),
	)
	return nil
}

func (l *Logger) onStep(dctx *dext.DenoiseContext) error {
	step, total := dctx.Step(), dctx.TotalSteps()
	if (step+1)%l.every != 0 && step != total-1 {
		return nil
	}
	l.logger.Log(dctx.Context(), l.level, "denoise step",
		slog.String("run_id", dctx.RunID().String()),
		slog.Int("step", step+1),
		slog.Int("of", total),
		slog.Int("timestep", dctx.Timestep()),
	)
	return nil
}

func (l *Logger) onEnd(dctx *dext.DenoiseContext) error {
	l.logger.Log(dctx.Context(), l.level, "denoise finished",
		slog.String("run_id", dctx.RunID().String()),
		slog.Duration("elapsed", dctx.Duration()),
	)
	return nil
}
