// Package capture records user utterances from the shared microphone stream.
//
// A recording subscribes to the persistent input stream, compresses PCM into
// Opus frames and groups them into fixed-length slices. StopAndFlush joins
// the slices into a single payload and hands it to the transport, unless it
// is below the minimum size, in which case it is dropped. The input device
// is kept open between recordings and only released on Release or
// Invalidate.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/codec"
)

// Stream is the persistent input stream.
// audioio.SharedSource implements it.
type Stream interface {
	Acquire(ctx context.Context) error
	Subscribe(buffer int) (<-chan audioio.AudioChunk, func())
	Release() error
}

// Encoder compresses PCM into a framed payload.
// codec.OpusEncoder implements it.
type Encoder interface {
	Encode(chunk audioio.AudioChunk) ([]byte, error)
	Flush() ([]byte, error)
	Reset()
}

// Sender delivers a finished utterance.
type Sender interface {
	SendBinary(data []byte) error
}

var (
	_ Stream  = (*audioio.SharedSource)(nil)
	_ Encoder = (*codec.OpusEncoder)(nil)
)

// FlushResult describes a finished recording.
type FlushResult struct {
	// Size is the payload size in bytes.
	Size int

	// Slices is the number of slices joined into the payload.
	Slices int

	// Duration is the amount of audio recorded.
	Duration time.Duration

	// Sent is false when the payload was below the minimum and dropped.
	Sent bool
}

// Capture records one utterance at a time.
type Capture struct {
	config  *Config
	stream  Stream
	encoder Encoder
	sender  Sender
	logger  *slog.Logger

	mu        sync.Mutex
	recording bool
	muted     bool
	stop      chan struct{}
	done      chan struct{}
	unsub     func()
	slices    [][]byte
	current   []byte
	sliceDur  time.Duration
	total     time.Duration
	encodeErr error
}

// New creates a capture over stream that encodes with encoder and sends
// through sender.
func New(stream Stream, encoder Encoder, sender Sender, opts ...Option) (*Capture, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Capture{
		config:  cfg,
		stream:  stream,
		encoder: encoder,
		sender:  sender,
		logger:  cfg.Logger.With("component", "capture"),
	}, nil
}

// StartRecording begins buffering an utterance. It is a no-op when already
// recording or muted.
func (c *Capture) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.recording || c.muted {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.stream.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	ch, unsub := c.stream.Subscribe(c.config.SubscriberBuffer)

	c.mu.Lock()
	if c.recording || c.muted {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.encoder.Reset()
	c.recording = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.unsub = unsub
	c.slices = nil
	c.current = nil
	c.sliceDur, c.total = 0, 0
	c.encodeErr = nil
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go c.record(ch, stop, done)

	c.logger.Debug("recording started")
	return nil
}

// StopAndFlush ends the recording and sends the joined payload. A payload
// below MinPayloadBytes is discarded and reported with Sent false.
func (c *Capture) StopAndFlush(ctx context.Context) (FlushResult, error) {
	if err := c.halt(ctx); err != nil {
		return FlushResult{}, err
	}

	c.mu.Lock()
	tail, flushErr := c.encoder.Flush()
	current := append(c.current, tail...)
	slices := c.slices
	if len(current) > 0 {
		slices = append(slices, current)
	}
	res := FlushResult{Slices: len(slices), Duration: c.total}
	encodeErr := c.encodeErr
	c.resetLocked()
	c.mu.Unlock()

	if encodeErr == nil {
		encodeErr = flushErr
	}
	if encodeErr != nil {
		c.logger.Warn("encoder error during recording", "error", encodeErr)
	}

	var payload []byte
	for _, s := range slices {
		payload = append(payload, s...)
	}
	res.Size = len(payload)

	if res.Size < c.config.MinPayloadBytes {
		c.logger.Debug("utterance below minimum, discarded",
			"bytes", res.Size,
			"min", c.config.MinPayloadBytes,
		)
		return res, nil
	}
	if c.sender == nil {
		return res, ErrNoSender
	}
	if err := c.sender.SendBinary(payload); err != nil {
		return res, fmt.Errorf("capture: send utterance: %w", err)
	}

	res.Sent = true
	c.logger.Info("utterance sent",
		"bytes", res.Size,
		"slices", res.Slices,
		"duration", res.Duration,
	)
	return res, nil
}

// Discard ends the recording and drops everything buffered.
func (c *Capture) Discard() {
	if err := c.halt(context.Background()); err != nil {
		return
	}
	c.mu.Lock()
	c.encoder.Reset()
	c.resetLocked()
	c.mu.Unlock()
	c.logger.Debug("recording discarded")
}

// SetMuted mutes or unmutes the microphone. Muting discards a recording
// in progress.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	if muted {
		c.Discard()
	}
}

// Muted reports whether capture is muted.
func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// IsRecording reports whether a recording is in progress.
func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Invalidate drops any recording and releases the input stream so the next
// recording reopens the device.
func (c *Capture) Invalidate() error {
	c.Discard()
	if err := c.stream.Release(); err != nil {
		return fmt.Errorf("capture: release stream: %w", err)
	}
	return nil
}

// Release drops any recording and releases the input stream. Used at call end.
func (c *Capture) Release() error {
	return c.Invalidate()
}

// halt stops the recording goroutine and waits for it.
func (c *Capture) halt(ctx context.Context) error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.recording = false
	close(c.stop)
	done, unsub := c.done, c.unsub
	c.unsub = nil
	c.mu.Unlock()

	defer unsub()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine exits on its own once it sees stop.
		return ctx.Err()
	}
}

func (c *Capture) resetLocked() {
	c.slices = nil
	c.current = nil
	c.sliceDur, c.total = 0, 0
	c.encodeErr = nil
}

func (c *Capture) record(ch <-chan audioio.AudioChunk, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			// Take what already arrived.
			for {
				select {
				case chunk, ok := <-ch:
					if !ok {
						return
					}
					c.append(chunk)
				default:
					return
				}
			}
		case chunk, ok := <-ch:
			if !ok {
				c.logger.Warn("input stream closed during recording")
				return
			}
			c.append(chunk)
		}
	}
}

func (c *Capture) append(chunk audioio.AudioChunk) {
	data, err := c.encoder.Encode(chunk)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil && c.encodeErr == nil {
		c.encodeErr = err
	}
	c.current = append(c.current, data...)
	d := chunk.Duration()
	c.sliceDur += d
	c.total += d
	if c.sliceDur >= c.config.SliceInterval {
		c.slices = append(c.slices, c.current)
		c.current = nil
		c.sliceDur = 0
	}
}
