package web

import (
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-voicecall/pkg/metrics"
)

// Config holds dashboard settings.
type Config struct {
	// Port is the TCP port to listen on.
	Port string `yaml:"port" json:"port"`

	// StaticDir, when set, is served at "/".
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	// Metrics is exposed on /metrics. Nil serves the default registry.
	Metrics *metrics.Metrics `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   "8181",
		Logger: slog.Default(),
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
	if c.Port == "" {
		return fmt.Errorf("web: port is required")
	}
	return nil
}

// Option is a functional option for configuring the server.
type Option func(*Config)

// WithPort sets the listen port.
func WithPort(port string) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithStaticDir serves a directory of UI assets at "/".
func WithStaticDir(dir string) Option {
	return func(c *Config) {
		c.StaticDir = dir
	}
}

// WithMetrics sets the metrics exposed on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
