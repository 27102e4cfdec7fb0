package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when an insert-once key already exists.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrRevisionConflict is returned when a compare-and-swap update lost
	// the race against a concurrent writer.
	ErrRevisionConflict = errors.New("revision conflict")
)
