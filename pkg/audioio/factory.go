package audioio

import (
	"fmt"
	"log/slog"
)

// NewSource opens the microphone described by cfg. The device is not
// acquired until Start; callers normally wrap it in a SharedSource.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	backend, logger, err := prepare(cfg, logger, "source")
	if err != nil {
		return nil, err
	}
	if backend == BackendMock {
		return NewMockSource(cfg, logger), nil
	}
	return newPortAudioSource(cfg, logger)
}

// NewSink opens the speaker described by cfg.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	backend, logger, err := prepare(cfg, logger, "sink")
	if err != nil {
		return nil, err
	}
	if backend == BackendMock {
		return NewMockSink(cfg, logger), nil
	}
	return newPortAudioSink(cfg, logger)
}

func prepare(cfg Config, logger *slog.Logger, kind string) (Backend, *slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Resolve()

	logger.Info("opening audio "+kind,
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"frame_ms", cfg.BufferDuration.Milliseconds(),
	)
	return backend, logger, nil
}

// Resolve returns the concrete backend: auto picks PortAudio when it is
// compiled in.
func (c *Config) Resolve() Backend {
	switch c.Backend {
	case BackendAuto, "":
		if portAudioAvailable {
			return BackendPortAudio
		}
		return BackendMock
	default:
		return c.Backend
	}
}

// AvailableBackends lists the backends compiled into this binary.
func AvailableBackends() []Backend {
	if portAudioAvailable {
		return []Backend{BackendMock, BackendPortAudio}
	}
	return []Backend{BackendMock}
}
