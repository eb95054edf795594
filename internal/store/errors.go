package store

import "errors"

// Sentinel errors returned by the store. Services translate them into
// return codes; use errors.Is to match.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNonContiguous indicates an append whose counter does not follow the chain head.
	ErrNonContiguous = errors.New("non-contiguous append")

	// ErrConflict indicates a state transition that does not match the stored state.
	ErrConflict = errors.New("conflict")

	// ErrUnexported indicates stored data that has not been exported yet.
	ErrUnexported = errors.New("unexported stored data")
)
