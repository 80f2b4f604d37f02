package store

import "errors"

var (
	// ErrNotFound is returned when no task matches the given id or prefix.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned for a status change outside the
	// legal edge set. No mutation occurs.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidInput is returned for validation failures such as an
	// unknown priority or an empty block reason.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCycleDetected is returned when adding a dependency would close a
	// cycle in the dependency graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrTerminal is returned when editing a task in a terminal status.
	ErrTerminal = errors.New("task is terminal")

	// ErrAmbiguousPrefix is returned when a prefix matches multiple tasks.
	ErrAmbiguousPrefix = errors.New("ambiguous task prefix")
)
