package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/protocol"
)

// Config holds transport settings.
type Config struct {
	// URL is the backend websocket endpoint (ws:// or wss://).
	URL string `yaml:"url" json:"url"`

	// Header is sent with the upgrade request.
	Header http.Header `yaml:"-" json:"-"`

	// Voice is sent in the config message on every (re)connect.
	Voice protocol.VoiceSettings `yaml:"voice" json:"voice"`

	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// ReadyTimeout bounds the wait for config_ok after the socket opens.
	// Expiry is treated as an abnormal close. Zero waits forever.
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`

	// ReadTimeout bounds each read. Zero disables the deadline; liveness
	// is not inferred from pongs.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// PingInterval is the keepalive period. Zero disables keepalive.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`

	// ReconnectAttempts is the number of reconnection attempts after an
	// abnormal close.
	ReconnectAttempts int `yaml:"reconnect_attempts" json:"reconnect_attempts"`

	// ReconnectDelay is the fixed delay before each attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// Dialer opens connections. Defaults to a gorilla websocket dialer.
	Dialer Dialer `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Voice: protocol.VoiceSettings{
			Voice: "default",
			Rate:  "+0%",
			Pitch: "+0Hz",
		},
		HandshakeTimeout:  10 * time.Second,
		ReadyTimeout:      10 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      25 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	return nil
}

// Option is a functional option for configuring the transport.
type Option func(*Config)

// WithURL sets the backend endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithHeader sets the upgrade request headers.
func WithHeader(h http.Header) Option {
	return func(c *Config) {
		c.Header = h
	}
}

// WithVoice sets the voice settings sent on connect.
func WithVoice(v protocol.VoiceSettings) Option {
	return func(c *Config) {
		c.Voice = v
	}
}

// WithReadyTimeout sets how long to wait for config_ok.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadyTimeout = d
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithReconnect configures reconnection behavior.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		c.ReconnectAttempts = attempts
		c.ReconnectDelay = delay
	}
}

// WithDialer sets the connection dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
