package transport

import "time"

// State represents the connection state.
type State int

const (
	// StateDisconnected means no connection is open.
	StateDisconnected State = iota
	// StateConnecting means a dial or reconnect is in progress.
	StateConnecting
	// StateConnected means the socket is open.
	StateConnected
	// StateError means reconnection gave up; the caller must reconnect.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Stats holds transport counters.
type Stats struct {
	// ControlSent is the number of control messages written.
	ControlSent int64 `json:"control_sent"`

	// ControlReceived is the number of control messages read.
	ControlReceived int64 `json:"control_received"`

	// BinarySent is the number of binary frames written.
	BinarySent int64 `json:"binary_sent"`

	// BinaryReceived is the number of binary frames read.
	BinaryReceived int64 `json:"binary_received"`

	// Malformed is the number of unparseable control messages ignored.
	Malformed int64 `json:"malformed"`

	// Reconnects is the number of reconnection attempts made.
	Reconnects int64 `json:"reconnects"`

	// ConnectedAt is when the current connection opened.
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}
