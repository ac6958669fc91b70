package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport package.
var (
	// ErrMissingURL indicates no endpoint was configured.
	ErrMissingURL = errors.New("transport: URL is required")

	// ErrNotConnected indicates there is no open connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected indicates Connect was called on a live client.
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrClosed indicates the client was closed intentionally.
	ErrClosed = errors.New("transport: closed")

	// ErrReadyTimeout indicates the backend never acknowledged the config handshake.
	ErrReadyTimeout = errors.New("transport: handshake not acknowledged")

	// ErrReconnectExhausted indicates every reconnection attempt failed.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// APIError is an error reported by the backend in an error control message.
type APIError struct {
	// Message is the backend's error text.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("transport: backend error: %s", e.Message)
}

// NewAPIError creates a new APIError.
func NewAPIError(message string) *APIError {
	return &APIError{Message: message}
}

// ConnectionError represents a WebSocket connection error.
type ConnectionError struct {
	// Reason describes why the connection failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnection should be attempted.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if reconnection should be attempted.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{
		Reason:    reason,
		Cause:     cause,
		Retryable: retryable,
	}
}

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return errors.Is(err, ErrReadyTimeout)
}
