package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-voicecall/internal/log"
	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/codec"
)

// fixedEncoder emits bytesPerChunk bytes for every chunk.
type fixedEncoder struct {
	bytesPerChunk int
	seen          atomic.Int32
	resets        atomic.Int32
}

func (e *fixedEncoder) Encode(audioio.AudioChunk) ([]byte, error) {
	e.seen.Add(1)
	return make([]byte, e.bytesPerChunk), nil
}

func (e *fixedEncoder) Flush() ([]byte, error) { return nil, nil }
func (e *fixedEncoder) Reset()                 { e.resets.Add(1) }

// countingEncoder wraps a real encoder.
type countingEncoder struct {
	Encoder
	seen atomic.Int32
}

func (e *countingEncoder) Encode(c audioio.AudioChunk) ([]byte, error) {
	defer e.seen.Add(1)
	return e.Encoder.Encode(c)
}

type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *fakeSender) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, data)
	return nil
}

func (s *fakeSender) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads
}

type fixture struct {
	src    *audioio.MockSource
	shared *audioio.SharedSource
	sender *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := audioio.DefaultConfig()
	cfg.Backend = audioio.BackendMock
	src := audioio.NewMockSource(cfg, log.Discard(), audioio.WithManualFeed())
	shared := audioio.NewSharedSource(src, log.Discard())
	t.Cleanup(func() { shared.Close() })
	return &fixture{src: src, shared: shared, sender: &fakeSender{}}
}

func (f *fixture) feed(t *testing.T, seen func() int32, chunks ...audioio.AudioChunk) {
	t.Helper()
	want := seen() + int32(len(chunks))
	for _, c := range chunks {
		require.True(t, f.src.Feed(c))
	}
	require.Eventually(t, func() bool { return seen() >= want }, time.Second, 2*time.Millisecond)
}

func levelChunks(n int) []audioio.AudioChunk {
	cfg := audioio.DefaultConfig()
	out := make([]audioio.AudioChunk, n)
	for i := range out {
		out[i] = audioio.LevelChunk(cfg, 0.2)
	}
	return out
}

func TestStopAndFlush_SendsJoinedPayload(t *testing.T) {
	f := newFixture(t)
	enc := &fixedEncoder{bytesPerChunk: 100}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()), WithSliceInterval(100*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	assert.True(t, c.IsRecording())

	// 12 chunks of 20ms: two full 100ms slices plus a partial one.
	f.feed(t, enc.seen.Load, levelChunks(12)...)

	res, err := c.StopAndFlush(ctx)
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, 1200, res.Size)
	assert.Equal(t, 3, res.Slices)
	assert.Equal(t, 240*time.Millisecond, res.Duration)
	assert.False(t, c.IsRecording())

	require.Len(t, f.sender.sent(), 1)
	assert.Len(t, f.sender.sent()[0], 1200)
}

func TestStopAndFlush_BelowMinimumIsDiscarded(t *testing.T) {
	f := newFixture(t)
	enc := &fixedEncoder{bytesPerChunk: 200}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	f.feed(t, enc.seen.Load, levelChunks(1)...)

	res, err := c.StopAndFlush(ctx)
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, 200, res.Size)
	assert.Empty(t, f.sender.sent(), "a 200 byte utterance must never reach the transport")
}

func TestStartRecording_NoOpWhenRecordingOrMuted(t *testing.T) {
	f := newFixture(t)
	enc := &fixedEncoder{bytesPerChunk: 10}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	require.NoError(t, c.StartRecording(ctx))
	assert.Equal(t, 1, f.shared.Subscribers())
	assert.EqualValues(t, 1, enc.resets.Load())

	c.SetMuted(true)
	assert.False(t, c.IsRecording(), "mute discards the recording")
	assert.Equal(t, 0, f.shared.Subscribers())

	require.NoError(t, c.StartRecording(ctx))
	assert.False(t, c.IsRecording())

	c.SetMuted(false)
	require.NoError(t, c.StartRecording(ctx))
	assert.True(t, c.IsRecording())
}

func TestStream_ReusedAcrossRecordings(t *testing.T) {
	f := newFixture(t)
	enc := &fixedEncoder{bytesPerChunk: 10}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.StartRecording(ctx))
		_, err := c.StopAndFlush(ctx)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.src.Starts())
	assert.True(t, f.shared.Acquired())

	require.NoError(t, c.Invalidate())
	assert.False(t, f.shared.Acquired())

	require.NoError(t, c.StartRecording(ctx))
	assert.EqualValues(t, 2, f.src.Starts())

	require.NoError(t, c.Release())
	assert.False(t, c.IsRecording())
	assert.False(t, f.shared.Acquired())
}

func TestStopAndFlush_NotRecording(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.shared, &fixedEncoder{}, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	_, err = c.StopAndFlush(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	c.Discard() // no-op
}

func TestDiscard_DropsAudio(t *testing.T) {
	f := newFixture(t)
	enc := &fixedEncoder{bytesPerChunk: 500}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	f.feed(t, enc.seen.Load, levelChunks(4)...)
	c.Discard()

	require.NoError(t, c.StartRecording(ctx))
	res, err := c.StopAndFlush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Size)
	assert.Empty(t, f.sender.sent())
}

func TestStartRecording_DeviceFailure(t *testing.T) {
	shared := audioio.NewSharedSource(
		audioio.NewMockSource(audioio.DefaultConfig(), log.Discard(), audioio.WithStartError(errors.New("busy"))),
		log.Discard(),
	)
	c, err := New(shared, &fixedEncoder{}, &fakeSender{}, WithLogger(log.Discard()))
	require.NoError(t, err)

	err = c.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.False(t, c.IsRecording())
}

func TestStopAndFlush_SendError(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("not connected")
	enc := &fixedEncoder{bytesPerChunk: 2000}
	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	f.feed(t, enc.seen.Load, levelChunks(1)...)

	res, err := c.StopAndFlush(ctx)
	assert.ErrorIs(t, err, f.sender.err)
	assert.False(t, res.Sent)
	assert.False(t, c.IsRecording())
}

func TestOpusUtterance(t *testing.T) {
	f := newFixture(t)
	opus, err := codec.NewOpusEncoder(24000, 1, 20*time.Millisecond, 24000)
	require.NoError(t, err)
	enc := &countingEncoder{Encoder: opus}

	c, err := New(f.shared, enc, f.sender, WithLogger(log.Discard()), WithMinPayloadBytes(100))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))

	chunks := make([]audioio.AudioChunk, 25)
	for i := range chunks {
		samples := make([]int16, 480)
		for j := range samples {
			n := i*480 + j
			samples[j] = int16(6000 * math.Sin(2*math.Pi*300*float64(n)/24000))
		}
		chunks[i] = audioio.AudioChunk{Samples: samples, SampleRate: 24000, Channels: 1}
	}
	f.feed(t, enc.seen.Load, chunks...)

	res, err := c.StopAndFlush(ctx)
	require.NoError(t, err)
	require.True(t, res.Sent)

	packets, err := codec.SplitFrames(f.sender.sent()[0])
	require.NoError(t, err)
	assert.Len(t, packets, 25)
}
