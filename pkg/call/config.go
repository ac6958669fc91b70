package call

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/metrics"
)

// Config holds session settings.
type Config struct {
	// VADStartDelay is how long after the backend is ready voice detection
	// starts, so the handshake settles before the first utterance.
	VADStartDelay time.Duration `yaml:"vad_start_delay" json:"vad_start_delay"`

	// ResponseTimeout bounds the processing state. Zero disables it.
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"response_timeout"`

	// TickInterval is how often OnChange is fired with fresh duration and
	// level values. Zero disables ticking.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`

	// EventBuffer is the capacity of the session's event queue.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`

	// Metrics receives call metrics. Nil disables them.
	Metrics *metrics.Metrics `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		VADStartDelay:   500 * time.Millisecond,
		ResponseTimeout: 30 * time.Second,
		TickInterval:    100 * time.Millisecond,
		EventBuffer:     256,
		Logger:          slog.Default(),
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
	if c.VADStartDelay < 0 {
		return fmt.Errorf("call: vad_start_delay must not be negative, got %v", c.VADStartDelay)
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("call: response_timeout must not be negative, got %v", c.ResponseTimeout)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("call: tick_interval must not be negative, got %v", c.TickInterval)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("call: event_buffer must be positive, got %d", c.EventBuffer)
	}
	return nil
}

// Option is a functional option for configuring a session.
type Option func(*Config)

// WithVADStartDelay sets the delay between readiness and voice detection.
func WithVADStartDelay(d time.Duration) Option {
	return func(c *Config) {
		c.VADStartDelay = d
	}
}

// WithResponseTimeout sets the processing timeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ResponseTimeout = d
	}
}

// WithTickInterval sets the OnChange tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) {
		c.TickInterval = d
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithEventBuffer sets the capacity of the event queue.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
