package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
	// ErrConflict is returned when an insert collides with an active unique key.
	ErrConflict = errors.New("conflict")
)
