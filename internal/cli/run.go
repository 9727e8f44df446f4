package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/batch"
	"github.com/rickchristie/dext/denoiser"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Seeds   []int64
	Workers int
	Latents int
	Weights []string
	Metrics bool
}

// RunResult is the JSON form of one generation outcome.
type RunResult struct {
	Index      int                         `json:"index"`
	Seed       int64                       `json:"seed"`
	RunID      string                      `json:"run_id"`
	OK         bool                        `json:"ok"`
	Error      string                      `json:"error,omitempty"`
	DurationMS int64                       `json:"duration_ms"`
	Callbacks  map[dext.CallbackType]int64 `json:"callbacks"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Dry-run a pipeline with a null model",
		Long: `Run the pipeline's denoise loop with a model that predicts zero noise, so
every extension callback and scope fires exactly as in a real generation.

One generation runs per seed; without --seeds the pipeline seed is used.
Named weights (--weight) give weight patches something to modify.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.Seeds, "seeds", nil, "seeds to generate (default: pipeline seed)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 1, "concurrent generations")
	cmd.Flags().IntVar(&opts.Latents, "latents", 4, "size of the latent vector")
	cmd.Flags().StringSliceVar(&opts.Weights, "weight", nil, "named model weight to create (repeatable)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print Prometheus metrics after the run (text mode)")

	return cmd
}

func runRun(rootOpts *RootOptions, opts *RunOptions, path string, cmd *cobra.Command) error {
	if opts.Latents <= 0 {
		return WrapExitError(ExitCommandError, fmt.Sprintf("--latents must be positive, got %d", opts.Latents), nil)
	}

	s, err := loadSession(rootOpts, path, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()

	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = []int64{s.pipeline.Seed}
	}

	runner, err := batch.New(nullModel(opts.Weights, opts.Latents), s.extensions, batch.Config{
		Workers:  opts.Workers,
		Denoiser: denoiser.DefaultConfig(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "runner", err)
	}
	defer runner.Close()
	runner.WithLogger(s.logger)

	latents := func() dext.Tensor { return make([]float32, opts.Latents) }
	results := runner.Run(cmd.Context(), batch.Seeds(s.pipeline.Inputs(), latents, seeds...))
	failed := batch.Errors(results)

	data := make([]RunResult, len(results))
	for i, res := range results {
		data[i] = RunResult{
			Index:      res.Index,
			Seed:       res.Seed,
			RunID:      res.RunID.String(),
			OK:         res.Err == nil,
			DurationMS: res.Duration.Milliseconds(),
			Callbacks:  res.Counts,
		}
		if res.Err != nil {
			data[i].Error = res.Err.Error()
		}
	}

	f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	err = f.Emit(data, failed, func(w io.Writer) error {
		if err := writeRunText(w, data); err != nil {
			return err
		}
		if opts.Metrics {
			return writeMetrics(w, s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failed != nil {
		return WrapExitError(ExitFailure, "generation failed", failed)
	}
	return nil
}

// nullModel builds a fresh null UNet per job, with one weight of ones per name.
func nullModel(names []string, size int) batch.ModelFactory {
	return func() (denoiser.UNet, denoiser.Scheduler, error) {
		weights := make(dext.StateDict, len(names))
		for _, name := range names {
			w := make([]float32, size)
			for i := range w {
				w[i] = 1
			}
			weights[name] = w
		}
		return &denoiser.NullUNet{Weights: weights}, &denoiser.NullScheduler{}, nil
	}
}

func writeRunText(w io.Writer, data []RunResult) error {
	ew := &errWriter{w: w}
	for _, r := range data {
		status := "ok"
		if !r.OK {
			status = "FAILED: " + r.Error
		}
		ew.printf("job %d seed %d run %s %dms %s\n", r.Index, r.Seed, r.RunID, r.DurationMS, status)

		events := make([]dext.CallbackType, 0, len(r.Callbacks))
		for ev := range r.Callbacks {
			events = append(events, ev)
		}
		slices.Sort(events)
		for _, ev := range events {
			ew.printf("  %s: %d\n", ev, r.Callbacks[ev])
		}
	}
	return ew.err
}

func writeMetrics(w io.Writer, s *session) error {
	families, err := s.metrics.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
