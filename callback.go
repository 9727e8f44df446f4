package dext

import (
	"fmt"
	"strings"
	"unicode"
)

// CategoryCallback is the only injection category currently produced by discovery.
const CategoryCallback = "callback"

// CallbackFunc is the signature of every callback handler. Handlers receive the shared
// DenoiseContext and may mutate it in place (latents, noise prediction, extra data).
//
// Returning an error stops dispatch for the current event; what happens next is up to the
// loop driving the extensions. The reference loop in the denoiser package aborts the run.
type CallbackFunc func(dctx *DenoiseContext) error

// CallbackTag is the metadata attached to a handler at declaration time.
//
// Tags are small immutable values. They are created with [Callback] or [Unordered] and
// returned from an extension's Callbacks method, where Handler is one of the extension's
// own method values so it is already bound to the instance:
//
//	func (e *StepCounter) Callbacks() []dext.CallbackTag {
//	    return []dext.CallbackTag{
//	        dext.Callback(dext.CallbackPreStep, 5, e.onStepStart),
//	        dext.Callback(dext.CallbackPostStep, 0, e.onStepEnd),
//	    }
//	}
type CallbackTag struct {
	Category string
	Event    CallbackType

	// Priority orders handlers that share the same Event. Lower runs first.
	// nil means no explicit ordering was requested; it sorts as 0.
	Priority *int

	Handler CallbackFunc
}

// Callback tags handler for event with the given priority.
// Attaching a tag never fails and never changes how the handler behaves.
func Callback(event CallbackType, priority int, handler CallbackFunc) CallbackTag {
	return CallbackTag{
		Category: CategoryCallback,
		Event:    event,
		Priority: &priority,
		Handler:  handler,
	}
}

// Unordered tags handler for event without requesting an explicit priority.
func Unordered(event CallbackType, handler CallbackFunc) CallbackTag {
	return CallbackTag{
		Category: CategoryCallback,
		Event:    event,
		Handler:  handler,
	}
}

// validate reports why a tag cannot be materialized, or nil.
func (t CallbackTag) validate() error {
	if t.Category != CategoryCallback {
		return fmt.Errorf("unknown category %q", t.Category)
	}
	if t.Event == "" {
		return fmt.Errorf("empty event name")
	}
	if strings.ContainsFunc(string(t.Event), unicode.IsSpace) {
		return fmt.Errorf("event name %q contains whitespace", t.Event)
	}
	if t.Handler == nil {
		return fmt.Errorf("nil handler for event %q", t.Event)
	}
	return nil
}

// InjectionInfo is the runtime record of one discovered callback.
//
// Records are created once per extension instance during [Base.Init], are owned by that
// instance and are never modified afterwards. Function is the instance's bound handler.
type InjectionInfo struct {
	Type     string
	Name     CallbackType
	Order    *int
	Function CallbackFunc
}

// SortKey returns the priority used for ordering, treating an absent Order as 0.
func (i InjectionInfo) SortKey() int {
	if i.Order == nil {
		return 0
	}
	return *i.Order
}

// HasOrder reports whether the record carries an explicit priority.
func (i InjectionInfo) HasOrder() bool {
	return i.Order != nil
}

// CallbackProvider is implemented by extensions that declare callbacks.
// Extensions without callbacks do not need to implement it.
type CallbackProvider interface {
	Callbacks() []CallbackTag
}
