package backend

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config holds development backend settings.
type Config struct {
	// SampleRate is the rate of the synthesized reply audio.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// ToneFrequency is the pitch of the reply tone in Hz.
	ToneFrequency float64 `yaml:"tone_frequency" json:"tone_frequency"`

	// ToneLevel is the RMS level of the reply tone (0.0 to 1.0).
	ToneLevel float64 `yaml:"tone_level" json:"tone_level"`

	// WordDuration is how much reply audio is produced per word.
	WordDuration time.Duration `yaml:"word_duration" json:"word_duration"`

	// ChunkDuration is the length of each binary audio frame.
	ChunkDuration time.Duration `yaml:"chunk_duration" json:"chunk_duration"`

	// Pace is the delay between streamed tokens and audio frames.
	Pace time.Duration `yaml:"pace" json:"pace"`

	// Emotion is sent with every reply. Empty disables it.
	Emotion string `yaml:"emotion" json:"emotion"`

	// Reply builds the assistant's answer to a user turn.
	Reply func(userText string) string `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SampleRate:    24000,
		ToneFrequency: 440,
		ToneLevel:     0.2,
		WordDuration:  150 * time.Millisecond,
		ChunkDuration: 100 * time.Millisecond,
		Pace:          20 * time.Millisecond,
		Emotion:       "happy",
		Reply:         EchoReply,
		Logger:        slog.Default(),
	}
}

// EchoReply answers with the user's own words.
func EchoReply(userText string) string {
	return "You said: " + strings.TrimSpace(userText)
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("backend: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.ToneLevel < 0 || c.ToneLevel > 1 {
		return fmt.Errorf("backend: tone_level must be between 0 and 1, got %v", c.ToneLevel)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("backend: chunk_duration must be positive, got %v", c.ChunkDuration)
	}
	if c.WordDuration <= 0 {
		return fmt.Errorf("backend: word_duration must be positive, got %v", c.WordDuration)
	}
	if c.Pace < 0 {
		return fmt.Errorf("backend: pace must not be negative, got %v", c.Pace)
	}
	return nil
}

// Option is a functional option for configuring the server.
type Option func(*Config)

// WithSampleRate sets the reply audio sample rate.
func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

// WithTone sets the reply tone's pitch and level.
func WithTone(frequency, level float64) Option {
	return func(c *Config) {
		c.ToneFrequency = frequency
		c.ToneLevel = level
	}
}

// WithWordDuration sets how much audio is produced per reply word.
func WithWordDuration(d time.Duration) Option {
	return func(c *Config) {
		c.WordDuration = d
	}
}

// WithChunkDuration sets the length of each binary audio frame.
func WithChunkDuration(d time.Duration) Option {
	return func(c *Config) {
		c.ChunkDuration = d
	}
}

// WithPace sets the delay between streamed tokens and frames.
func WithPace(d time.Duration) Option {
	return func(c *Config) {
		c.Pace = d
	}
}

// WithEmotion sets the emotion sent with every reply.
func WithEmotion(emotion string) Option {
	return func(c *Config) {
		c.Emotion = emotion
	}
}

// WithReply sets the function that answers user turns.
func WithReply(fn func(userText string) string) Option {
	return func(c *Config) {
		c.Reply = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
