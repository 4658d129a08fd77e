package types

import "errors"

var (
	// ErrBindingConflict is returned when a nid or a collection type would be
	// rebound to a different value. It is never resolved silently.
	ErrBindingConflict = errors.New("binding conflict")
	// ErrIntegrityViolation marks broken on-disk invariants and invalid identifiers.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrSyncFailure wraps the error of an aborted sync cycle.
	ErrSyncFailure = errors.New("sync failure")
	// ErrMissingBinding is returned when an operation needs a binding that does not exist yet.
	ErrMissingBinding = errors.New("missing binding")
)
