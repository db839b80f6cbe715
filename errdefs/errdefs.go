// Package errdefs defines the error categories shared by every package of the
// ledger. Packages declare their own sentinels wrapping one of these so that
// callers can match either the precise error or its category with errors.Is.
package errdefs

import "errors"

var (
	// ErrMalformedInput is returned for bad hashes, signatures, DIDs or
	// transactions. It is raised before any state is touched.
	ErrMalformedInput = errors.New("malformed input")

	// ErrNotFound is returned for unknown DIDs, keys, credentials or heights.
	ErrNotFound = errors.New("not found")

	// ErrConflictingState is returned when an operation contradicts the
	// current state, such as appending a height twice.
	ErrConflictingState = errors.New("conflicting state")

	// ErrIntegrityViolation is returned when a recomputed block hash or a
	// previous-hash link does not match the stored value.
	ErrIntegrityViolation = errors.New("integrity violation")
)
