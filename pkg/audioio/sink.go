package audioio

import (
	"context"
	"io"
)

// Sink is the speaker the assistant's voice is played on.
//
// Playback interruption depends on Clear: it must drop whatever the device
// still holds and return at once, so that local silence precedes any
// interrupt sent to the backend.
type Sink interface {
	// Start opens the output device.
	Start(ctx context.Context) error

	// Stop closes the output device; it may be called more than once.
	Stop() error

	// Write queues one chunk, blocking while the device buffer is full.
	// It returns ctx.Err() once ctx is cancelled.
	Write(ctx context.Context, chunk AudioChunk) error

	// Flush blocks until queued audio has been heard.
	Flush(ctx context.Context) error

	// Clear drops queued audio without waiting.
	Clear() error

	Config() Config
	Name() string

	io.Closer
}
