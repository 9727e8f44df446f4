package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"

	"github.com/rickchristie/dext"
)

// Entry is one callback in the merged dispatch plan of an event.
type Entry struct {
	Event    dext.CallbackType
	Priority int

	// Explicit is false when the callback was tagged without a priority.
	Explicit bool

	// ExtensionIndex is the registration index of the owning extension and
	// InjectionIndex the position of the record in that extension's list.
	ExtensionIndex int
	InjectionIndex int

	// Extension is the Go type name of the owning extension, for logs and display.
	Extension string

	Function dext.CallbackFunc
}

// CallbackError is returned by RunCallback when a handler fails.
type CallbackError struct {
	Event     dext.CallbackType
	Extension string
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s of %s: %v", e.Event, e.Extension, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// ErrDuplicateExtension is returned by Add when an instance is already registered.
var ErrDuplicateExtension = errors.New("manager: extension registered twice")

// initializer is implemented by extensions embedding dext.Base.
type initializer interface {
	Initialized() bool
}

// Manager holds registered extensions and dispatches events to them.
type Manager struct {
	logger     *slog.Logger
	extensions []dext.Extension
	names      []string

	// injections snapshots each extension's records at Add time.
	injections [][]dext.InjectionInfo

	// plans caches the merged, sorted entries per event. Cleared by Add.
	plans map[dext.CallbackType][]Entry
}

// New creates an empty Manager. A nil logger discards log output.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		logger: logger,
		plans:  make(map[dext.CallbackType][]Entry),
	}
}

// Add registers extensions in the given order. Extensions that embed dext.Base must have
// been initialized; otherwise Add returns an error wrapping dext.ErrNotInitialized and
// registers none of them. Nil extensions and instances already registered are rejected
// the same way, since a scope cannot be entered twice.
func (m *Manager) Add(exts ...dext.Extension) error {
	seen := make(map[uintptr]bool, len(m.extensions)+len(exts))
	for _, ext := range m.extensions {
		if p, ok := identity(ext); ok {
			seen[p] = true
		}
	}

	for i, ext := range exts {
		if ext == nil {
			return fmt.Errorf("manager: extension %d is nil", i)
		}
		p, ok := identity(ext)
		if ok && p == 0 {
			return fmt.Errorf("manager: extension %d is a nil %T", i, ext)
		}
		if ok {
			if seen[p] {
				return fmt.Errorf("%w: %T (argument %d)", ErrDuplicateExtension, ext, i)
			}
			seen[p] = true
		}
		if in, ok := ext.(initializer); ok && !in.Initialized() {
			return fmt.Errorf("manager: %T: %w", ext, dext.ErrNotInitialized)
		}
	}

	for _, ext := range exts {
		m.extensions = append(m.extensions, ext)
		m.names = append(m.names, fmt.Sprintf("%T", ext))
		m.injections = append(m.injections, ext.Injections())
	}
	clear(m.plans)
	return nil
}

// identity returns the address of a pointer extension. Extensions of other kinds have no
// identity and are never treated as duplicates.
func identity(ext dext.Extension) (uintptr, bool) {
	v := reflect.ValueOf(ext)
	if v.Kind() != reflect.Pointer {
		return 0, false
	}
	return v.Pointer(), true
}

// Extensions returns the registered extensions in registration order.
func (m *Manager) Extensions() []dext.Extension {
	return slices.Clone(m.extensions)
}

// Len returns the number of registered extensions.
func (m *Manager) Len() int {
	return len(m.extensions)
}

// Plan returns the callbacks that RunCallback would invoke for event, in invocation order.
func (m *Manager) Plan(event dext.CallbackType) []Entry {
	return slices.Clone(m.plan(event))
}

// Events returns every event that has at least one callback. Standard events come first
// in firing order, followed by custom events sorted by name.
func (m *Manager) Events() []dext.CallbackType {
	seen := make(map[dext.CallbackType]bool)
	for _, injections := range m.injections {
		for _, inj := range injections {
			seen[inj.Name] = true
		}
	}

	var out []dext.CallbackType
	for _, event := range dext.StandardCallbackTypes() {
		if seen[event] {
			out = append(out, event)
			delete(seen, event)
		}
	}
	custom := make([]dext.CallbackType, 0, len(seen))
	for event := range seen {
		custom = append(custom, event)
	}
	slices.Sort(custom)
	return append(out, custom...)
}

func (m *Manager) plan(event dext.CallbackType) []Entry {
	if entries, ok := m.plans[event]; ok {
		return entries
	}

	var entries []Entry
	for extIdx, injections := range m.injections {
		for injIdx, inj := range injections {
			if inj.Name != event {
				continue
			}
			entries = append(entries, Entry{
				Event:          event,
				Priority:       inj.SortKey(),
				Explicit:       inj.HasOrder(),
				ExtensionIndex: extIdx,
				InjectionIndex: injIdx,
				Extension:      m.names[extIdx],
				Function:       inj.Function,
			})
		}
	}

	// Entries were collected in (extension, declaration) order; a stable sort keeps
	// that order among equal priorities.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})

	m.plans[event] = entries
	return entries
}

// RunCallback invokes every callback registered for event, in plan order.
//
// The first handler error stops dispatch and is returned as a *CallbackError.
// Each invoked handler is counted on dctx.
func (m *Manager) RunCallback(event dext.CallbackType, dctx *dext.DenoiseContext) error {
	for _, e := range m.plan(event) {
		dctx.IncrCallbacks(event, 1)
		if err := e.Function(dctx); err != nil {
			return &CallbackError{Event: event, Extension: e.Extension, Err: err}
		}
	}
	return nil
}

// PatchExtensions runs fn inside the generation scope of every extension.
//
// Scopes are entered in registration order and released in reverse order, on every exit
// path. If entering a scope fails, the scopes already entered are released and fn does
// not run.
func (m *Manager) PatchExtensions(dctx *dext.DenoiseContext, fn func() error) error {
	return m.nest(0, "generation", func(ext dext.Extension) (dext.Release, error) {
		return ext.PatchExtension(dctx)
	}, fn)
}

// PatchModel runs fn inside the patch scope of every extension for the given model.
// Ordering and failure handling match PatchExtensions.
func (m *Manager) PatchModel(params dext.StateDict, model any, fn func() error) error {
	return m.nest(0, "patch", func(ext dext.Extension) (dext.Release, error) {
		return ext.PatchModel(params, model)
	}, fn)
}

func (m *Manager) nest(
	i int,
	scope string,
	acquire func(dext.Extension) (dext.Release, error),
	fn func() error,
) error {
	if i == len(m.extensions) {
		return fn()
	}

	ext := m.extensions[i]
	name := m.names[i]

	return dext.WithScope(func() (dext.Release, error) {
		release, err := acquire(ext)
		if err != nil {
			m.logger.Warn("extension scope failed",
				slog.String("scope", scope),
				slog.String("extension", name),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%s scope of %s: %w", scope, name, err)
		}
		return m.loggedRelease(scope, name, release), nil
	}, func() error {
		return m.nest(i+1, scope, acquire, fn)
	})
}

// loggedRelease wraps release so failures are logged and tagged with the extension.
func (m *Manager) loggedRelease(scope, name string, release dext.Release) dext.Release {
	if release == nil {
		return dext.NoopRelease
	}
	return func() error {
		err := release()
		if err == nil {
			return nil
		}
		m.logger.Warn("extension scope release failed",
			slog.String("scope", scope),
			slog.String("extension", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("release %s scope of %s: %w", scope, name, err)
	}
}

// IsCallbackError reports whether err came from a failing callback handler.
func IsCallbackError(err error) bool {
	var ce *CallbackError
	return errors.As(err, &ce)
}
