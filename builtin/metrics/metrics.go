// Package metrics exports Prometheus metrics for denoising runs.
//
// Collectors are created once per registry and shared by every Extension built from
// them, so a batch that builds a fresh extension set per run reports into the same
// series.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickchristie/dext"
)

// Collectors holds the metric vectors shared by all extensions.
type Collectors struct {
	Steps        prometheus.Counter
	Callbacks    *prometheus.CounterVec
	Runs         *prometheus.CounterVec
	Active       prometheus.Gauge
	StepDuration prometheus.Histogram
}

// NewCollectors creates and registers collectors under namespace.
// Registering twice on the same registerer fails.
func NewCollectors(reg prometheus.Registerer, namespace string) (*Collectors, error) {
	c := &Collectors{
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Denoising steps completed.",
		}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Callback dispatches, by event.",
		}, []string{"event"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Generations that left the extension scope, by outcome.",
		}, []string{"outcome"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_generations",
			Help:      "Generations currently inside the extension scope.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one denoising step.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	for _, col := range []prometheus.Collector{c.Steps, c.Callbacks, c.Runs, c.Active, c.StepDuration} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Extension
// -----------------------------------------------------------------------------

// Extension records metrics for one run. Not safe for concurrent runs; build one per
// generation.
type Extension struct {
	dext.Base

	c         *Collectors
	stepStart time.Time
	completed bool
	now       func() time.Time
}

// New creates an initialized Extension reporting into c.
func New(c *Collectors) (*Extension, error) {
	e := &Extension{c: c, now: time.Now}
	if err := e.Init(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Callbacks implements dext.CallbackProvider. The pre-step hook runs first and the
// post-step hook last so the histogram covers every other callback of the step.
func (e *Extension) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{
		dext.Callback(dext.CallbackPreStep, -1000, e.onPreStep),
		dext.Callback(dext.CallbackPostStep, 1000, e.onPostStep),
		dext.Callback(dext.CallbackPostDenoiseLoop, 1000, e.onPostLoop),
	}
}

// PatchExtension counts the generation as active until released. Callback totals are
// recorded on release, once every handler of the run has been dispatched.
func (e *Extension) PatchExtension(dctx *dext.DenoiseContext) (dext.Release, error) {
	e.completed = false
	e.c.Active.Inc()
	return func() error {
		e.c.Active.Dec()
		outcome := "failed"
		if e.completed {
			outcome = "completed"
		}
		e.c.Runs.WithLabelValues(outcome).Inc()
		if dctx != nil {
			for event, n := range dctx.CallbackCounts() {
				e.c.Callbacks.WithLabelValues(string(event)).Add(float64(n))
			}
		}
		return nil
	}, nil
}

func (e *Extension) onPreStep(*dext.DenoiseContext) error {
	e.stepStart = e.now()
	return nil
}

func (e *Extension) onPostStep(*dext.DenoiseContext) error {
	e.c.Steps.Inc()
	if !e.stepStart.IsZero() {
		e.c.StepDuration.Observe(e.now().Sub(e.stepStart).Seconds())
	}
	return nil
}

func (e *Extension) onPostLoop(*dext.DenoiseContext) error {
	e.completed = true
	return nil
}
