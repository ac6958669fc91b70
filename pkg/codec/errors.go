package codec

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codec package.
var (
	// ErrEmpty indicates there was no audio to decode.
	ErrEmpty = errors.New("codec: empty payload")

	// ErrTruncated indicates a framed payload ended mid-frame.
	ErrTruncated = errors.New("codec: truncated frame")

	// ErrFrameTooLarge indicates a packet does not fit the 16-bit length prefix.
	ErrFrameTooLarge = errors.New("codec: frame too large")

	// ErrUnsupportedFormat indicates a container or sample format is not supported.
	ErrUnsupportedFormat = errors.New("codec: unsupported format")

	// ErrInvalidRate indicates the sample rate is not valid for the codec.
	ErrInvalidRate = errors.New("codec: invalid sample rate")

	// ErrInvalidFrameDuration indicates an Opus frame duration is not allowed.
	ErrInvalidFrameDuration = errors.New("codec: invalid frame duration")
)

// DecodeError wraps a failure to decode one payload.
type DecodeError struct {
	// Format is the decoder that failed ("opus", "wav", "mp3", "pcm").
	Format string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: %s decode failed: %v", e.Format, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func decodeErr(format string, err error) error {
	return &DecodeError{Format: format, Cause: err}
}
