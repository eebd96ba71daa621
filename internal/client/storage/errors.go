package storage

import "errors"

// Common client storage errors
var (
	// ErrStateNotFound indicates that client was not initialized yet
	ErrStateNotFound = errors.New("client state not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
