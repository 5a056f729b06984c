package repository

import "errors"

// Sentinel errors the HTTP layer maps onto status codes and the controllers
// branch on. Wrap with context at call sites; check with errors.Is.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an invariant would be violated, e.g. a duplicate
	// (namespace, name) server-infra row or a second active spec version.
	ErrConflict = errors.New("conflict")
)
