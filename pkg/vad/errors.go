package vad

import (
	"errors"
	"fmt"
)

// Sentinel errors for the vad package.
var (
	// ErrInvalidConfig indicates a threshold or duration is out of range.
	ErrInvalidConfig = errors.New("vad: invalid config")

	// ErrNoSource indicates the detector was created without an input stream.
	ErrNoSource = errors.New("vad: no audio source")

	// ErrStreamClosed indicates the input stream ended while detecting.
	ErrStreamClosed = errors.New("vad: input stream closed")
)

// DeviceError reports that the input device could not be acquired.
type DeviceError struct {
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("vad: input device unavailable: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// IsDeviceError returns true if err is a device acquisition failure.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
