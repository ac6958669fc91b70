package call

import "errors"

// Sentinel errors for the call package.
var (
	// ErrNoChannel indicates the session was created without a transport.
	ErrNoChannel = errors.New("call: transport channel is required")

	// ErrNoPlayback indicates the session was created without a playback queue.
	ErrNoPlayback = errors.New("call: playback queue is required")

	// ErrEnded indicates the call has already ended.
	ErrEnded = errors.New("call: call has ended")

	// ErrNotStarted indicates Start has not been called.
	ErrNotStarted = errors.New("call: call not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("call: call already started")

	// ErrEmptyMessage indicates SendText was called without content.
	ErrEmptyMessage = errors.New("call: message content is empty")

	// ErrBusy indicates the action is not possible in the current state,
	// such as sending text while the user is speaking.
	ErrBusy = errors.New("call: not possible in the current state")

	// ErrResponseTimeout is surfaced when no response arrives in time.
	ErrResponseTimeout = errors.New("call: response timed out")
)
