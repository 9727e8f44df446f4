package dext

import "errors"

var (
	// ErrMalformedTag is returned by Base.Init when a declared callback tag is incomplete.
	ErrMalformedTag = errors.New("dext: malformed callback tag")

	// ErrAlreadyInitialized is returned when Base.Init runs more than once on an instance.
	ErrAlreadyInitialized = errors.New("dext: extension already initialized")

	// ErrNotInitialized is returned when an extension is used before Base.Init.
	ErrNotInitialized = errors.New("dext: extension not initialized")

	// ErrTransient marks model errors that are worth retrying.
	ErrTransient = errors.New("dext: transient failure")
)
