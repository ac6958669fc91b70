package capture

import "errors"

// Sentinel errors for the capture package.
var (
	// ErrNotRecording indicates StopAndFlush was called with no capture in progress.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrMuted indicates recording was refused because the microphone is muted.
	ErrMuted = errors.New("capture: muted")

	// ErrNoSender indicates a payload was ready but no sender is attached.
	ErrNoSender = errors.New("capture: no sender")

	// ErrDeviceUnavailable indicates the input stream could not be acquired.
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
)
