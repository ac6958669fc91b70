package audioio

import (
	"context"
	"io"
	"time"
)

// AudioChunk represents a chunk of audio data.
type AudioChunk struct {
	// Samples contains PCM16 audio samples, interleaved when Channels > 1.
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// Bytes returns the raw little-endian PCM16 bytes of the audio chunk.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// FromBytes populates the chunk from raw PCM16 bytes.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the playback duration of this audio chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Level returns the normalized RMS level of the chunk (0.0 to 1.0).
func (c *AudioChunk) Level() float64 {
	return CalculateRMS(c.Samples)
}

// Split cuts the chunk into consecutive chunks of at most d each.
func (c *AudioChunk) Split(d time.Duration) []AudioChunk {
	if c.SampleRate == 0 || c.Channels == 0 || d <= 0 {
		return []AudioChunk{*c}
	}
	per := int(d.Seconds()*float64(c.SampleRate)) * c.Channels
	if per <= 0 || len(c.Samples) <= per {
		return []AudioChunk{*c}
	}

	out := make([]AudioChunk, 0, len(c.Samples)/per+1)
	for start := 0; start < len(c.Samples); start += per {
		end := min(start+per, len(c.Samples))
		out = append(out, AudioChunk{
			Samples:    c.Samples[start:end],
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
		})
	}
	return out
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins audio capture. Failing to acquire the device is
	// reported here and leaves the source stopped.
	Start(ctx context.Context) error

	// Stop halts audio capture.
	// It is safe to call Stop multiple times.
	Stop() error

	// Read reads the next audio chunk, blocking if necessary.
	// Returns io.EOF when the source is stopped.
	Read(ctx context.Context) (AudioChunk, error)

	// Stream returns a channel that receives audio chunks.
	// The channel is closed when the source is stopped.
	Stream() <-chan AudioChunk

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}
