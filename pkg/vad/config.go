package vad

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds detector thresholds. Levels are normalized RMS (0.0 to 1.0)
// and durations are measured in audio time.
type Config struct {
	// Threshold is the level at or above which a sample counts as speech.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// SpeakingThreshold replaces Threshold while the engine is producing
	// audio, so the speaker's own output does not trigger speech.
	SpeakingThreshold float64 `yaml:"speaking_threshold" json:"speaking_threshold"`

	// MinSpeechDuration is how long the level must stay above threshold
	// before speech starts.
	MinSpeechDuration time.Duration `yaml:"min_speech_duration" json:"min_speech_duration"`

	// SpeakingMinSpeechDuration replaces MinSpeechDuration while the engine
	// is producing audio.
	SpeakingMinSpeechDuration time.Duration `yaml:"speaking_min_speech_duration" json:"speaking_min_speech_duration"`

	// SilenceTimeout is how long the level must stay below threshold
	// before speech ends.
	SilenceTimeout time.Duration `yaml:"silence_timeout" json:"silence_timeout"`

	// MinSilenceDuration is the lower bound on the confirmation window;
	// the effective window is the larger of this and SilenceTimeout.
	MinSilenceDuration time.Duration `yaml:"min_silence_duration" json:"min_silence_duration"`

	// EchoCooldown keeps the stricter thresholds active after the engine
	// stops speaking, while the room echo decays.
	EchoCooldown time.Duration `yaml:"echo_cooldown" json:"echo_cooldown"`

	// SubscriberBuffer is the number of chunks buffered from the shared
	// input stream.
	SubscriberBuffer int `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config tuned for a laptop microphone at 20ms chunks.
func DefaultConfig() *Config {
	return &Config{
		Threshold:                 0.02,
		SpeakingThreshold:         0.06,
		MinSpeechDuration:         150 * time.Millisecond,
		SpeakingMinSpeechDuration: 250 * time.Millisecond,
		SilenceTimeout:            800 * time.Millisecond,
		MinSilenceDuration:        500 * time.Millisecond,
		EchoCooldown:              300 * time.Millisecond,
		SubscriberBuffer:          32,
		Logger:                    slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the thresholds and durations.
func (c *Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v", ErrInvalidConfig, c.Threshold)
	}
	if c.SpeakingThreshold < c.Threshold || c.SpeakingThreshold > 1 {
		return fmt.Errorf("%w: speaking threshold %v must be between threshold and 1", ErrInvalidConfig, c.SpeakingThreshold)
	}
	if c.MinSpeechDuration < 0 || c.SpeakingMinSpeechDuration < 0 {
		return fmt.Errorf("%w: negative speech duration", ErrInvalidConfig)
	}
	if c.SilenceTimeout < 0 || c.MinSilenceDuration < 0 || c.EchoCooldown < 0 {
		return fmt.Errorf("%w: negative silence duration", ErrInvalidConfig)
	}
	if c.SilenceWindow() == 0 {
		return fmt.Errorf("%w: silence window must be positive", ErrInvalidConfig)
	}
	return nil
}

// SilenceWindow is how long silence must last to end speech.
func (c *Config) SilenceWindow() time.Duration {
	return max(c.MinSilenceDuration, c.SilenceTimeout)
}

// Option is a functional option for configuring the detector.
type Option func(*Config)

// WithThreshold sets the speech threshold.
func WithThreshold(level float64) Option {
	return func(c *Config) {
		c.Threshold = level
	}
}

// WithSpeakingThreshold sets the threshold used while the engine speaks.
func WithSpeakingThreshold(level float64) Option {
	return func(c *Config) {
		c.SpeakingThreshold = level
	}
}

// WithMinSpeechDuration sets how long speech must be sustained.
func WithMinSpeechDuration(d time.Duration) Option {
	return func(c *Config) {
		c.MinSpeechDuration = d
	}
}

// WithSilence sets the silence timeout and confirmation duration.
func WithSilence(timeout, minDuration time.Duration) Option {
	return func(c *Config) {
		c.SilenceTimeout = timeout
		c.MinSilenceDuration = minDuration
	}
}

// WithEchoCooldown sets how long stricter thresholds persist after playback.
func WithEchoCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.EchoCooldown = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
