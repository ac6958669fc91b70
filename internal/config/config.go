// Package config loads the voicecall application configuration from
// package defaults, an optional YAML file, an optional .env file and the
// environment, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/call"
	"github.com/teslashibe/go-voicecall/pkg/capture"
	"github.com/teslashibe/go-voicecall/pkg/playback"
	"github.com/teslashibe/go-voicecall/pkg/transport"
	"github.com/teslashibe/go-voicecall/pkg/vad"
	"github.com/teslashibe/go-voicecall/pkg/web"
)

// Environment variables read by Load.
const (
	EnvURL           = "VOICECALL_URL"
	EnvVoice         = "VOICECALL_VOICE"
	EnvRate          = "VOICECALL_RATE"
	EnvPitch         = "VOICECALL_PITCH"
	EnvAudioBackend  = "VOICECALL_AUDIO_BACKEND"
	EnvDashboardPort = "VOICECALL_DASHBOARD_PORT"
	EnvBitrate       = "VOICECALL_BITRATE"
	EnvLogLevel      = "LOG_LEVEL"
)

// DefaultURL is the local development backend.
const DefaultURL = "ws://localhost:8765/ws"

// Codec holds utterance compression settings.
type Codec struct {
	// Bitrate is the Opus bitrate in bits per second. Zero keeps the
	// encoder default.
	Bitrate int `yaml:"bitrate" json:"bitrate"`
}

// Config is the application configuration.
type Config struct {
	LogLevel  string            `yaml:"log_level" json:"log_level"`
	Audio     audioio.Config    `yaml:"audio" json:"audio"`
	Codec     Codec             `yaml:"codec" json:"codec"`
	Transport *transport.Config `yaml:"transport" json:"transport"`
	VAD       *vad.Config       `yaml:"vad" json:"vad"`
	Capture   *capture.Config   `yaml:"capture" json:"capture"`
	Playback  *playback.Config  `yaml:"playback" json:"playback"`
	Call      *call.Config      `yaml:"call" json:"call"`
	Dashboard *web.Config       `yaml:"dashboard" json:"dashboard"`
}

// Default returns the configuration built from each package's defaults.
func Default() *Config {
	tc := transport.DefaultConfig()
	tc.URL = DefaultURL
	return &Config{
		LogLevel:  "info",
		Audio:     audioio.DefaultConfig(),
		Codec:     Codec{Bitrate: 24000},
		Transport: tc,
		VAD:       vad.DefaultConfig(),
		Capture:   capture.DefaultConfig(),
		Playback:  playback.DefaultConfig(),
		Call:      call.DefaultConfig(),
		Dashboard: web.DefaultConfig(),
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path or a missing file leaves the defaults in place. A .env file
// in the working directory is loaded without overriding variables that
// are already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			cfg.fillDefaults()
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores sections a YAML file set to null.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Transport == nil {
		c.Transport = d.Transport
	}
	if c.VAD == nil {
		c.VAD = d.VAD
	}
	if c.Capture == nil {
		c.Capture = d.Capture
	}
	if c.Playback == nil {
		c.Playback = d.Playback
	}
	if c.Call == nil {
		c.Call = d.Call
	}
	if c.Dashboard == nil {
		c.Dashboard = d.Dashboard
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvURL); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv(EnvVoice); v != "" {
		c.Transport.Voice.Voice = v
	}
	if v := os.Getenv(EnvRate); v != "" {
		c.Transport.Voice.Rate = v
	}
	if v := os.Getenv(EnvPitch); v != "" {
		c.Transport.Voice.Pitch = v
	}
	if v := os.Getenv(EnvAudioBackend); v != "" {
		c.Audio.Backend = audioio.Backend(strings.ToLower(v))
	}
	if v := os.Getenv(EnvDashboardPort); v != "" {
		c.Dashboard.Port = v
	}
	if v := os.Getenv(EnvBitrate); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvBitrate, err)
		}
		c.Codec.Bitrate = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return err
	}
	if c.Codec.Bitrate < 0 {
		return fmt.Errorf("config: codec bitrate must not be negative, got %d", c.Codec.Bitrate)
	}
	for _, v := range []interface{ Validate() error }{
		c.Transport, c.VAD, c.Capture, c.Playback, c.Call, c.Dashboard,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger sets the logger on every section that carries one.
func (c *Config) SetLogger(logger *slog.Logger) {
	c.Transport.Logger = logger
	c.VAD.Logger = logger
	c.Capture.Logger = logger
	c.Playback.Logger = logger
	c.Call.Logger = logger
	c.Dashboard.Logger = logger
}
