//go:build portaudio

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const portAudioAvailable = true

var (
	paMu    sync.Mutex
	paUsers int
)

// paAcquire initializes PortAudio on first use.
func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paUsers == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	paUsers++
	return nil
}

// paRelease terminates PortAudio after the last user.
func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	if paUsers == 0 {
		return
	}
	paUsers--
	if paUsers == 0 {
		_ = portaudio.Terminate()
	}
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: device %q not found", name)
}

// PortAudioSource captures audio from a PortAudio input device.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	stream   *portaudio.Stream
	buf      []int16
	streamCh chan AudioChunk
	stopCh   chan struct{}
	done     chan struct{}

	overruns atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (*PortAudioSource, error) {
	return &PortAudioSource{
		cfg:      cfg,
		logger:   logger.With("component", "audioio.portaudio.source"),
		streamCh: make(chan AudioChunk, 10),
	}, nil
}

// Start opens the input device and begins capture.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := paAcquire(); err != nil {
		return err
	}

	dev, err := findDevice(s.cfg.Device, true)
	if err != nil {
		paRelease()
		return fmt.Errorf("portaudio: input device: %w", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = s.cfg.Channels
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	s.buf = make([]int16, s.cfg.BufferSize()*s.cfg.Channels)
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		paRelease()
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return fmt.Errorf("portaudio: start input: %w", err)
	}

	s.stream = stream
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 10)

	go s.captureLoop(ctx, s.streamCh, s.stopCh, s.done)

	s.logger.Info("input device started", "device", dev.Name, "sample_rate", s.cfg.SampleRate)
	return nil
}

func (s *PortAudioSource) captureLoop(ctx context.Context, out chan AudioChunk, stop, done chan struct{}) {
	defer close(done)
	defer close(out)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			s.overruns.Add(1)
			s.logger.Debug("input read error", "error", err)
			continue
		}

		samples := make([]int16, len(s.buf))
		copy(samples, s.buf)

		select {
		case out <- AudioChunk{Samples: samples, SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}:
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop halts capture and closes the device.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done, stream := s.done, s.stream
	s.stream = nil
	s.mu.Unlock()

	<-done
	err := stream.Stop()
	stream.Close()
	paRelease()

	s.logger.Info("input device stopped", "overruns", s.overruns.Load())
	return err
}

// Read reads the next audio chunk.
func (s *PortAudioSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-s.Stream():
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (s *PortAudioSource) Stream() <-chan AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return string(BackendPortAudio) }

// Close releases resources.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// PortAudioSink plays audio on a PortAudio output device.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	running bool
	closed  bool
	stream  *portaudio.Stream
	buf     []int16

	// generation is bumped by Clear so in-flight writes stop early.
	generation atomic.Uint64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (*PortAudioSink, error) {
	return &PortAudioSink{
		cfg:    cfg,
		logger: logger.With("component", "audioio.portaudio.sink"),
	}, nil
}

// Start opens the output device.
func (s *PortAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := paAcquire(); err != nil {
		return err
	}

	dev, err := findDevice(s.cfg.Device, false)
	if err != nil {
		paRelease()
		return fmt.Errorf("portaudio: output device: %w", err)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = s.cfg.Channels
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	s.buf = make([]int16, s.cfg.BufferSize()*s.cfg.Channels)
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		paRelease()
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return fmt.Errorf("portaudio: start output: %w", err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("output device started", "device", dev.Name, "sample_rate", s.cfg.SampleRate)
	return nil
}

// Stop closes the output device.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.generation.Add(1)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := stream.Stop()
	stream.Close()
	paRelease()
	return err
}

// Write plays chunk, blocking until the device has accepted all of it.
func (s *PortAudioSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	running, stream := s.running, s.stream
	s.mu.Unlock()
	if !running {
		return io.ErrClosedPipe
	}

	if chunk.SampleRate != s.cfg.SampleRate || chunk.Channels != s.cfg.Channels {
		chunk = Conform(chunk, s.cfg.SampleRate, s.cfg.Channels)
	}

	gen := s.generation.Load()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for off := 0; off < len(chunk.Samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.generation.Load() != gen {
			return nil
		}
		n := copy(s.buf, chunk.Samples[off:])
		clear(s.buf[n:])
		if err := stream.Write(); err != nil {
			s.logger.Debug("output write error", "error", err)
		}
	}
	return nil
}

// Flush returns immediately; writes are synchronous with the device.
func (s *PortAudioSink) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Clear abandons any in-flight write.
func (s *PortAudioSink) Clear() error {
	s.generation.Add(1)
	return nil
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return string(BackendPortAudio) }

// Close releases resources.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

var (
	_ Source = (*PortAudioSource)(nil)
	_ Sink   = (*PortAudioSink)(nil)
)
