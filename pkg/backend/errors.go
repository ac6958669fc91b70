package backend

import "errors"

// Sentinel errors for the backend package.
var (
	// ErrNotFound indicates no connection has the given ID.
	ErrNotFound = errors.New("backend: connection not found")

	// ErrNotConfigured indicates a turn arrived before the config handshake.
	ErrNotConfigured = errors.New("backend: config handshake not completed")
)
