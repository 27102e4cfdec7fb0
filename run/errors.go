package run

import "errors"

var (
	// ErrInvalidTransition is returned when a status update does not follow
	// an edge of the run status machine. It indicates a bug in the caller.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTenantViolation is returned when an entity is requested under the
	// wrong organization.
	ErrTenantViolation = errors.New("organization mismatch")
)
