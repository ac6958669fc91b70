package playback

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds queue settings.
type Config struct {
	// GraceWait is how long an empty queue waits for more audio while the
	// backend is still speaking before playback is declared finished.
	GraceWait time.Duration `yaml:"grace_wait" json:"grace_wait"`

	// FrameDuration is the granularity of level metering.
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GraceWait:     400 * time.Millisecond,
		FrameDuration: 20 * time.Millisecond,
		Logger:        slog.Default(),
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
	if c.GraceWait < 0 {
		return fmt.Errorf("playback: grace_wait must not be negative, got %v", c.GraceWait)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("playback: frame_duration must be positive, got %v", c.FrameDuration)
	}
	return nil
}

// Option is a functional option for configuring the queue.
type Option func(*Config)

// WithGraceWait sets the wait for more audio on an empty queue.
func WithGraceWait(d time.Duration) Option {
	return func(c *Config) {
		c.GraceWait = d
	}
}

// WithFrameDuration sets the level metering granularity.
func WithFrameDuration(d time.Duration) Option {
	return func(c *Config) {
		c.FrameDuration = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
