package dext

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Inputs are the user-supplied parameters of one generation run.
type Inputs struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	Guidance       float64

	// Extra holds loop- or extension-specific inputs (conditioning images, masks, ...).
	Extra map[string]any
}

func (in Inputs) clone() Inputs {
	in.Extra = maps.Clone(in.Extra)
	return in
}

// DenoiseContext is the shared mutable state of one generation run. It is passed to every
// callback and to every generation scope.
//
// The loop owns the position fields (step, timestep) and updates them as it goes;
// callbacks read them and may replace the latents or the noise prediction to steer the run.
// Extensions that need to hand data to one another use the Extra bag, keyed with their
// own prefix (e.g. "myext:mask").
//
// All accessors are guarded by a mutex, but a DenoiseContext belongs to a single run and
// is not meant to be driven by several loops at once.
type DenoiseContext struct {
	mu sync.RWMutex

	ctx    context.Context
	runID  uuid.UUID
	inputs Inputs

	// Position (loop-owned). step is -1 until the loop starts.
	step       int
	totalSteps int
	timestep   int

	latents   Tensor
	noisePred Tensor

	extra    map[string]any
	counters map[CallbackType]int64

	startTime time.Time
	endTime   time.Time
	err       error
}

// NewDenoiseContext creates the context for a new run with a fresh run ID.
func NewDenoiseContext(ctx context.Context, inputs Inputs) *DenoiseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &DenoiseContext{
		ctx:        ctx,
		runID:      uuid.New(),
		inputs:     inputs.clone(),
		step:       -1,
		totalSteps: inputs.Steps,
		extra:      make(map[string]any),
		counters:   make(map[CallbackType]int64),
		startTime:  time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Identity and inputs
// -----------------------------------------------------------------------------

// Context returns the Go context of the run. Loops check it for cancellation.
func (c *DenoiseContext) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// RunID returns the unique ID of this run.
func (c *DenoiseContext) RunID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Inputs returns a copy of the run inputs.
func (c *DenoiseContext) Inputs() Inputs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inputs.clone()
}

// UpdateInputs applies fn to the run inputs. Intended for setup callbacks.
func (c *DenoiseContext) UpdateInputs(fn func(in *Inputs)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.inputs)
}

// -----------------------------------------------------------------------------
// Position
// -----------------------------------------------------------------------------

// SetPosition records the step about to run. Called by the loop.
func (c *DenoiseContext) SetPosition(step, totalSteps, timestep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	c.totalSteps = totalSteps
	c.timestep = timestep
}

// Step returns the 0-indexed current step, or -1 before the loop starts.
func (c *DenoiseContext) Step() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// TotalSteps returns the number of steps the loop will run.
func (c *DenoiseContext) TotalSteps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSteps
}

// Timestep returns the scheduler timestep of the current step.
func (c *DenoiseContext) Timestep() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timestep
}

// -----------------------------------------------------------------------------
// Tensors
// -----------------------------------------------------------------------------

// Latents returns the current latents.
func (c *DenoiseContext) Latents() Tensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latents
}

// SetLatents replaces the current latents.
func (c *DenoiseContext) SetLatents(t Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latents = t
}

// NoisePred returns the noise prediction of the current step.
func (c *DenoiseContext) NoisePred() Tensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noisePred
}

// SetNoisePred replaces the noise prediction of the current step.
func (c *DenoiseContext) SetNoisePred(t Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noisePred = t
}

// -----------------------------------------------------------------------------
// Extra data
// -----------------------------------------------------------------------------

// Get returns the extra value stored under key.
func (c *DenoiseContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.extra[key]
	return v, ok
}

// Set stores an extra value under key.
func (c *DenoiseContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra[key] = value
}

// -----------------------------------------------------------------------------
// Counters
// -----------------------------------------------------------------------------

// IncrCallbacks adds n to the number of callbacks fired for event.
func (c *DenoiseContext) IncrCallbacks(event CallbackType, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[event] += n
}

// CallbackCount returns how many callbacks have fired for event in this run.
func (c *DenoiseContext) CallbackCount(event CallbackType) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[event]
}

// CallbackCounts returns a copy of all per-event callback counters.
func (c *DenoiseContext) CallbackCounts() map[CallbackType]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.counters)
}

// -----------------------------------------------------------------------------
// Completion
// -----------------------------------------------------------------------------

// Finish records the outcome of the run. Called by the loop when it returns.
func (c *DenoiseContext) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.endTime = time.Now()
}

// Err returns the error the run finished with, if any.
func (c *DenoiseContext) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Duration returns the run duration, or the time since start if still running.
func (c *DenoiseContext) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.endTime.IsZero() {
		return time.Since(c.startTime)
	}
	return c.endTime.Sub(c.startTime)
}
