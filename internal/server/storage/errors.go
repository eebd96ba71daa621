package storage

import "errors"

// Common storage errors
var (
	// ErrThingNotFound indicates that thing does not exist in the namespace
	ErrThingNotFound = errors.New("thing not found")

	// ErrInvalidKey indicates that namespace or thing id is empty or unsafe
	ErrInvalidKey = errors.New("invalid namespace or thing id")

	// ErrInvalidPattern indicates that search pattern is not a valid regular expression
	ErrInvalidPattern = errors.New("invalid search pattern")

	// ErrStoreClosed indicates that store was closed
	ErrStoreClosed = errors.New("store is closed")
)
