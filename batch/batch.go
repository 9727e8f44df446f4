// Package batch runs many generations concurrently on a bounded worker pool.
//
// Every job gets its own extension set, manager, model and DenoiseContext. Extensions hold
// per-run state (open spans, saved weights) and weight patches modify tensors in place, so
// nothing that a run can mutate is shared between jobs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/manager"
)

// ExtensionFactory builds a fresh extension set for one job.
type ExtensionFactory func() ([]dext.Extension, error)

// ModelFactory builds the model and scheduler for one job.
type ModelFactory func() (denoiser.UNet, denoiser.Scheduler, error)

// Job is one generation.
type Job struct {
	Inputs  dext.Inputs
	Latents dext.Tensor
}

// Result is the outcome of one Job. Results are returned in job order.
type Result struct {
	Index    int
	RunID    uuid.UUID
	Seed     int64
	Latents  dext.Tensor
	Err      error
	Duration time.Duration
	Counts   map[dext.CallbackType]int64
}

// Config configures a Runner.
type Config struct {
	// Workers bounds concurrent jobs. Zero means 1.
	Workers int

	Denoiser denoiser.Config
}

// Runner executes jobs on an ants pool.
type Runner struct {
	pool       *ants.Pool
	models     ModelFactory
	extensions ExtensionFactory
	config     Config
	logger     *slog.Logger
}

// New creates a Runner. Call Close when done.
func New(models ModelFactory, extensions ExtensionFactory, config Config) (*Runner, error) {
	if models == nil || extensions == nil {
		return nil, errors.New("batch: nil factory")
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("batch: pool: %w", err)
	}
	return &Runner{
		pool:       pool,
		models:     models,
		extensions: extensions,
		config:     config,
		logger:     slog.New(slog.DiscardHandler),
	}, nil
}

// WithLogger sets the logger passed to each job's manager and denoiser.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Close releases the worker pool. Jobs submitted afterwards fail.
func (r *Runner) Close() {
	r.pool.Release()
}

// Run executes jobs and blocks until all have finished. A failing job does not stop the
// others; cancel ctx to stop them between steps.
func (r *Runner) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup

	for i, job := range jobs {
		results[i] = Result{Index: i, Seed: job.Inputs.Seed}
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			r.runOne(ctx, &results[i], job)
		})
		if err != nil {
			results[i].Err = fmt.Errorf("batch: submit job %d: %w", i, err)
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, res *Result, job Job) {
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("batch: job %d panicked: %v", res.Index, p)
			r.logger.Error("batch job panicked", slog.Int("job", res.Index), slog.Any("panic", p))
		}
	}()

	exts, err := r.extensions()
	if err != nil {
		res.Err = fmt.Errorf("extensions: %w", err)
		return
	}
	mgr := manager.New(r.logger)
	if err := mgr.Add(exts...); err != nil {
		res.Err = err
		return
	}
	unet, scheduler, err := r.models()
	if err != nil {
		res.Err = fmt.Errorf("model: %w", err)
		return
	}

	d := denoiser.New(unet, scheduler, mgr, r.config.Denoiser).WithLogger(r.logger)
	dctx := dext.NewDenoiseContext(ctx, job.Inputs)
	dctx.SetLatents(job.Latents)
	res.RunID = dctx.RunID()

	res.Latents, res.Err = d.Run(dctx)
	res.Duration = dctx.Duration()
	res.Counts = dctx.CallbackCounts()
}

// Seeds expands base into one job per seed.
func Seeds(base dext.Inputs, latents func() dext.Tensor, seeds ...int64) []Job {
	jobs := make([]Job, len(seeds))
	for i, seed := range seeds {
		in := base
		in.Seed = seed
		jobs[i] = Job{Inputs: in}
		if latents != nil {
			jobs[i].Latents = latents()
		}
	}
	return jobs
}

// Errors combines the errors of failed results, or returns nil.
func Errors(results []Result) error {
	var merr *multierror.Error
	for _, res := range results {
		if res.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("job %d (seed %d): %w", res.Index, res.Seed, res.Err))
		}
	}
	return merr.ErrorOrNil()
}
