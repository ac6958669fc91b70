// Package audioio provides audio capture and playback devices for the call
// engine.
//
// Backends:
//   - PortAudio - real microphone and speaker (build with -tags portaudio)
//   - Mock - CI/testing without hardware
//
// SharedSource keeps one input device open for the whole call and fans its
// chunks out to every consumer (voice activity detection, capture).
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects PortAudio when compiled in, mock otherwise.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 24000 (a native Opus rate)
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers.
	// Default: 20ms, one Opus frame
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the platform-specific device identifier.
	// Empty selects the system default.
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     24000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audioio: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("audioio: channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("audioio: buffer_duration must be positive, got %v", c.BufferDuration)
	}
	switch c.Backend {
	case BackendAuto, BackendPortAudio, BackendMock, "":
	default:
		return fmt.Errorf("audioio: unsupported backend %q", c.Backend)
	}
	return nil
}

// BufferSize returns the number of frames per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
