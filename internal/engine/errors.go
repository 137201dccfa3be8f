package engine

import "errors"

var (
	// ErrAlreadyExists reports a Start under a key that is still registered.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrNotFound reports an operation on a key that is not registered.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTask reports a Start with an empty key or nil function.
	ErrInvalidTask = errors.New("invalid task")
	// ErrParentStopped reports a Start issued from the body of a task that
	// has already been stopped.
	ErrParentStopped = errors.New("parent task stopped")
	// ErrClosed reports a Start after the registry has been shut down.
	ErrClosed = errors.New("registry closed")
)
