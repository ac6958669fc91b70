package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource stands in for a microphone. It emits a tone or silence every
// buffer period, or in manual mode exactly the chunks passed to Feed, which
// lets tests script a speaker.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}
	feedCh   chan AudioChunk
	done     chan struct{}

	starts      atomic.Int64
	chunksRead  atomic.Int64
	samplesRead atomic.Int64

	phase     float64 // radians
	frequency float64 // Hz, 0 = silence
	amplitude float64

	manual   bool
	startErr error
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualFeed disables generation; chunks come only from Feed.
func WithManualFeed() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// WithStartError makes Start fail, as a missing or denied device would.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		streamCh:  make(chan AudioChunk, 10),
		feedCh:    make(chan AudioChunk),
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.streamCh = make(chan AudioChunk, 10)
	m.starts.Add(1)

	go m.run(ctx, m.streamCh, m.stopCh, m.done)

	m.logger.Debug("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)

	return nil
}

// run is the only writer of out and closes it on exit.
func (m *MockSource) run(ctx context.Context, out chan AudioChunk, stop, done chan struct{}) {
	defer close(done)
	defer close(out)

	var tick <-chan time.Time
	if !m.manual {
		ticker := time.NewTicker(m.cfg.BufferDuration)
		defer ticker.Stop()
		tick = ticker.C
	}

	emit := func(chunk AudioChunk) {
		select {
		case out <- chunk:
			m.chunksRead.Add(1)
			m.samplesRead.Add(int64(len(chunk.Samples)))
		case <-stop:
		}
	}

	for {
		select {
		case <-ctx.Done():
			go m.Stop()
			<-stop
			return
		case <-stop:
			return
		case <-tick:
			emit(m.generateChunk())
		case chunk := <-m.feedCh:
			emit(chunk)
		}
	}
}

// generateChunk renders one buffer of the configured tone, or silence.
func (m *MockSource) generateChunk() AudioChunk {
	frames, channels := m.cfg.BufferSize(), m.cfg.Channels
	chunk := AudioChunk{
		Samples:    make([]int16, frames*channels),
		SampleRate: m.cfg.SampleRate,
		Channels:   channels,
	}
	if m.frequency <= 0 {
		return chunk
	}

	step := 2 * math.Pi * m.frequency / float64(m.cfg.SampleRate)
	for i := 0; i < frames; i++ {
		v := FloatToPCM(m.amplitude * math.Sin(m.phase))
		for ch := 0; ch < channels; ch++ {
			chunk.Samples[i*channels+ch] = v
		}
		m.phase = math.Mod(m.phase+step, 2*math.Pi)
	}
	return chunk
}

// Feed emits a chunk in manual mode. It blocks until the chunk is consumed
// and returns false if the source is not running.
func (m *MockSource) Feed(chunk AudioChunk) bool {
	m.mu.Lock()
	running, stop := m.running, m.stopCh
	m.mu.Unlock()
	if !running {
		return false
	}
	select {
	case m.feedCh <- chunk:
	case <-stop:
		return false
	}
	return true
}

// FeedLevel emits one chunk of the configured buffer duration whose RMS
// level equals level.
func (m *MockSource) FeedLevel(level float64) bool {
	return m.Feed(LevelChunk(m.cfg, level))
}

// LevelChunk builds a buffer-sized chunk with the given RMS level.
func LevelChunk(cfg Config, level float64) AudioChunk {
	n := cfg.BufferSize() * cfg.Channels
	amp := FloatToPCM(level)
	samples := make([]int16, n)
	for i := range samples {
		if (i/max(cfg.Channels, 1))%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return AudioChunk{Samples: samples, SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Debug("mock audio source stopped")

	return nil
}

// Read reads the next audio chunk.
func (m *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-m.Stream():
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (m *MockSource) Stream() <-chan AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Running reports whether the source is capturing.
func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Starts returns how many times the device was started.
func (m *MockSource) Starts() int64 {
	return m.starts.Load()
}

// ChunksRead returns the number of chunks delivered.
func (m *MockSource) ChunksRead() int64 {
	return m.chunksRead.Load()
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

var _ Source = (*MockSource)(nil)

// MockSink stands in for a speaker. It records what was played and can pace
// writes like a real device so interruption timing can be tested.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	written []AudioChunk
	pending []AudioChunk
	pace    float64

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	clears         atomic.Int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithRealtime makes Write block for the chunk duration multiplied by scale.
func WithRealtime(scale float64) MockSinkOption {
	return func(m *MockSink) {
		m.pace = scale
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSink{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}

	m.running = true
	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	return nil
}

// Write accepts an audio chunk.
func (m *MockSink) Write(ctx context.Context, chunk AudioChunk) error {
	m.mu.Lock()
	if m.closed || !m.running {
		m.mu.Unlock()
		return io.ErrClosedPipe
	}
	m.pending = append(m.pending, chunk)
	pace := m.pace
	m.mu.Unlock()

	if pace > 0 {
		wait := time.Duration(float64(chunk.Duration()) * pace)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	m.written = append(m.written, chunk)
	m.mu.Unlock()

	m.chunksWritten.Add(1)
	m.samplesWritten.Add(int64(len(chunk.Samples)))

	return nil
}

// Flush marks all pending audio as played.
func (m *MockSink) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending = m.pending[:0]
	m.mu.Unlock()
	return nil
}

// Clear discards buffered audio.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	m.pending = m.pending[:0]
	m.mu.Unlock()
	m.clears.Add(1)
	return nil
}

// Written returns a copy of every chunk fully written so far.
func (m *MockSink) Written() []AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AudioChunk, len(m.written))
	copy(out, m.written)
	return out
}

// Clears returns the number of Clear calls.
func (m *MockSink) Clears() int64 {
	return m.clears.Load()
}

// ChunksWritten returns the number of chunks written.
func (m *MockSink) ChunksWritten() int64 {
	return m.chunksWritten.Load()
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

var _ Sink = (*MockSink)(nil)
