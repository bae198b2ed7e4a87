// Package apperr holds the error taxonomy shared by the store and its adapters.
package apperr

import "errors"

var (
	// ErrNotFound is returned when a save targets an id that is not in the store.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable is returned when the backend cannot be scanned.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrPersistence is returned when a single backend write fails.
	ErrPersistence = errors.New("persistence error")
	// ErrInvalid is returned for malformed requests at the transport edge.
	ErrInvalid = errors.New("invalid request")
)
