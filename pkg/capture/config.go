package capture

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds capture settings.
type Config struct {
	// MinPayloadBytes is the smallest utterance that is sent. Anything
	// shorter is an empty or near-silent capture and is discarded.
	MinPayloadBytes int `yaml:"min_payload_bytes" json:"min_payload_bytes"`

	// SliceInterval is how much audio goes into one buffered slice.
	SliceInterval time.Duration `yaml:"slice_interval" json:"slice_interval"`

	// SubscriberBuffer is the number of chunks buffered from the shared
	// input stream.
	SubscriberBuffer int `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinPayloadBytes:  1000,
		SliceInterval:    250 * time.Millisecond,
		SubscriberBuffer: 64,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MinPayloadBytes < 0 {
		return fmt.Errorf("capture: min_payload_bytes must not be negative, got %d", c.MinPayloadBytes)
	}
	if c.SliceInterval <= 0 {
		return fmt.Errorf("capture: slice_interval must be positive, got %v", c.SliceInterval)
	}
	return nil
}

// Option is a functional option for configuring capture.
type Option func(*Config)

// WithMinPayloadBytes sets the minimum utterance size.
func WithMinPayloadBytes(n int) Option {
	return func(c *Config) {
		c.MinPayloadBytes = n
	}
}

// WithSliceInterval sets the slice length.
func WithSliceInterval(d time.Duration) Option {
	return func(c *Config) {
		c.SliceInterval = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
