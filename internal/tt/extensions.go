// Package tt holds test helpers shared by the dext packages.
package tt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rickchristie/dext"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Log - ordered record of what extensions did
// -----------------------------------------------------------------------------

// Log collects entries from one or more Recorders so tests can assert global order.
type Log struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry.
func (l *Log) Add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of all entries.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset removes all entries.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// -----------------------------------------------------------------------------
// Recorder - extension that logs every callback and scope transition
// -----------------------------------------------------------------------------

// On describes one callback a Recorder declares.
type On struct {
	Event    dext.CallbackType
	Priority int
}

// Recorder is a configurable extension for tests. Every callback logs "name:event",
// scopes log "name:enter-generation" / "name:exit-generation" and
// "name:enter-patch" / "name:exit-patch".
type Recorder struct {
	dext.Base

	name string
	log  *Log
	on   []On

	failEvent  dext.CallbackType
	failErr    error
	genErr     error
	patchErr   error
	releaseErr error
}

// NewRecorder creates and initializes a Recorder.
func NewRecorder(t *testing.T, name string, log *Log, on ...On) *Recorder {
	t.Helper()
	r := &Recorder{name: name, log: log, on: on}
	require.NoError(t, r.Init(r))
	return r
}

// Name returns the recorder's name.
func (r *Recorder) Name() string { return r.name }

// FailOn makes the callbacks for event return err.
func (r *Recorder) FailOn(event dext.CallbackType, err error) *Recorder {
	r.failEvent = event
	r.failErr = err
	return r
}

// FailGeneration makes PatchExtension fail with err.
func (r *Recorder) FailGeneration(err error) *Recorder {
	r.genErr = err
	return r
}

// FailPatch makes PatchModel fail with err.
func (r *Recorder) FailPatch(err error) *Recorder {
	r.patchErr = err
	return r
}

// FailRelease makes every release return err (after logging the exit).
func (r *Recorder) FailRelease(err error) *Recorder {
	r.releaseErr = err
	return r
}

// Callbacks implements dext.CallbackProvider.
func (r *Recorder) Callbacks() []dext.CallbackTag {
	tags := make([]dext.CallbackTag, 0, len(r.on))
	for _, on := range r.on {
		event := on.Event
		tags = append(tags, dext.Callback(event, on.Priority, func(*dext.DenoiseContext) error {
			r.log.Add("%s:%s", r.name, event)
			if r.failErr != nil && r.failEvent == event {
				return r.failErr
			}
			return nil
		}))
	}
	return tags
}

// PatchExtension implements dext.Extension.
func (r *Recorder) PatchExtension(*dext.DenoiseContext) (dext.Release, error) {
	if r.genErr != nil {
		return nil, r.genErr
	}
	r.log.Add("%s:enter-generation", r.name)
	return func() error {
		r.log.Add("%s:exit-generation", r.name)
		return r.releaseErr
	}, nil
}

// PatchModel implements dext.Extension.
func (r *Recorder) PatchModel(dext.StateDict, any) (dext.Release, error) {
	if r.patchErr != nil {
		return nil, r.patchErr
	}
	r.log.Add("%s:enter-patch", r.name)
	return func() error {
		r.log.Add("%s:exit-patch", r.name)
		return r.releaseErr
	}, nil
}
