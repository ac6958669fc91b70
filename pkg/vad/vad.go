// Package vad implements a level-based voice activity detector with
// hysteresis. It samples the shared microphone stream and reports exactly
// one speech start per utterance and exactly one speech end per qualifying
// silence.
//
// While the engine is producing audio the detector switches to stricter
// thresholds (and keeps them for a short cooldown afterwards) so that the
// speaker output picked up by the microphone does not read as the user.
package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
)

// Stream is the shared input stream the detector samples.
// audioio.SharedSource implements it.
type Stream interface {
	Acquire(ctx context.Context) error
	Subscribe(buffer int) (<-chan audioio.AudioChunk, func())
}

var _ Stream = (*audioio.SharedSource)(nil)

// Event is the outcome of a single detector step.
type Event int

const (
	// EventNone means the speech state did not change.
	EventNone Event = iota
	// EventSpeechStart means sustained speech was confirmed.
	EventSpeechStart
	// EventSpeechEnd means sustained silence followed speech.
	EventSpeechEnd
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Detector classifies the input stream as speech or silence.
type Detector struct {
	config *Config
	stream Stream
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	gen       int
	stop      chan struct{}
	unsub     func()
	lastErr   string
	speaking  bool
	above     time.Duration
	below     time.Duration
	clock     time.Duration // audio time seen by Process
	echoUntil time.Duration
	engine    bool
	level     float64

	cbMu           sync.RWMutex
	onSpeechStart  func()
	onSpeechEnd    func()
	onVolumeChange func(level float64)
	onError        func(err error)
}

// New creates a detector over stream. stream may be nil when the detector
// is only driven through Process.
func New(stream Stream, opts ...Option) (*Detector, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Detector{
		config: cfg,
		stream: stream,
		logger: cfg.Logger.With("component", "vad"),
	}, nil
}

// Start subscribes to the input stream, acquiring the device if needed.
// It is a no-op when already running. A device failure is returned as a
// *DeviceError and recorded for LastError; the detector stays stopped.
// OnError only reports a stream that ends while detecting.
func (d *Detector) Start(ctx context.Context) error {
	if d.stream == nil {
		return ErrNoSource
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.stream.Acquire(ctx); err != nil {
		derr := &DeviceError{Cause: err}
		d.mu.Lock()
		d.lastErr = derr.Error()
		d.mu.Unlock()
		d.logger.Error("failed to start voice detection", "error", err)
		return derr
	}

	ch, unsub := d.stream.Subscribe(d.config.SubscriberBuffer)

	d.mu.Lock()
	if d.running {
		// Lost a race with a concurrent Start.
		d.mu.Unlock()
		unsub()
		return nil
	}
	d.running = true
	d.gen++
	d.lastErr = ""
	d.stop = make(chan struct{})
	d.unsub = unsub
	d.resetLocked()
	gen, stop := d.gen, d.stop
	d.mu.Unlock()

	go d.loop(gen, ch, stop)

	d.logger.Debug("voice detection started")
	return nil
}

// Stop halts sampling and drops any partial speech state. Only the
// detector's own subscription is released; the input device stays open.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.gen++
	close(d.stop)
	unsub := d.unsub
	d.unsub = nil
	d.resetLocked()
	d.level = 0
	d.mu.Unlock()

	unsub()
	d.logger.Debug("voice detection stopped")
}

// Running reports whether the detector is sampling.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Speaking reports whether the detector is inside a speech period.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Level returns the most recent input level.
func (d *Detector) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// LastError returns the last device error, or "" after a successful start.
func (d *Detector) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// SetEngineSpeaking switches to the stricter thresholds while the engine is
// producing audio. Turning it off keeps them for EchoCooldown.
func (d *Detector) SetEngineSpeaking(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine && !on {
		d.echoUntil = d.clock + d.config.EchoCooldown
	}
	d.engine = on
}

// Process runs one detector step for a sample of the given level lasting dt
// and fires the matching callbacks.
func (d *Detector) Process(level float64, dt time.Duration) Event {
	d.mu.Lock()
	ev := d.stepLocked(level, dt)
	d.mu.Unlock()

	d.dispatch(level, ev)
	return ev
}

func (d *Detector) loop(gen int, ch <-chan audioio.AudioChunk, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-ch:
			if !ok {
				d.streamEnded(gen)
				return
			}
			level := chunk.Level()

			d.mu.Lock()
			if d.gen != gen {
				d.mu.Unlock()
				return
			}
			ev := d.stepLocked(level, chunk.Duration())
			d.mu.Unlock()

			d.dispatch(level, ev)
		}
	}
}

func (d *Detector) streamEnded(gen int) {
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.gen++
	d.unsub = nil
	d.resetLocked()
	d.level = 0
	d.mu.Unlock()

	d.logger.Warn("input stream closed, voice detection stopped")
	d.emitError(ErrStreamClosed)
}

func (d *Detector) stepLocked(level float64, dt time.Duration) Event {
	d.clock += dt
	d.level = level

	threshold, minSpeech := d.config.Threshold, d.config.MinSpeechDuration
	if d.engine || d.clock < d.echoUntil {
		threshold, minSpeech = d.config.SpeakingThreshold, d.config.SpeakingMinSpeechDuration
	}

	if !d.speaking {
		if level < threshold {
			d.above = 0
			return EventNone
		}
		d.above += dt
		if d.above < minSpeech {
			return EventNone
		}
		d.speaking = true
		d.above, d.below = 0, 0
		return EventSpeechStart
	}

	if level >= threshold {
		d.below = 0
		return EventNone
	}
	d.below += dt
	if d.below < d.config.SilenceWindow() {
		return EventNone
	}
	d.speaking = false
	d.above, d.below = 0, 0
	return EventSpeechEnd
}

func (d *Detector) resetLocked() {
	d.speaking = false
	d.above, d.below = 0, 0
}

func (d *Detector) dispatch(level float64, ev Event) {
	d.emitVolume(level)
	switch ev {
	case EventSpeechStart:
		d.logger.Debug("speech started", "level", level)
		d.emitSpeechStart()
	case EventSpeechEnd:
		d.logger.Debug("speech ended")
		d.emitSpeechEnd()
	}
}

// OnSpeechStart sets the callback for confirmed speech.
func (d *Detector) OnSpeechStart(fn func()) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onSpeechStart = fn
}

// OnSpeechEnd sets the callback for confirmed silence after speech.
func (d *Detector) OnSpeechEnd(fn func()) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onSpeechEnd = fn
}

// OnVolumeChange sets the callback invoked with every sampled level.
func (d *Detector) OnVolumeChange(fn func(level float64)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onVolumeChange = fn
}

// OnError sets the callback for input lost while running. It is invoked
// from the detection goroutine with ErrStreamClosed.
func (d *Detector) OnError(fn func(err error)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onError = fn
}

func (d *Detector) emitSpeechStart() {
	d.cbMu.RLock()
	fn := d.onSpeechStart
	d.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (d *Detector) emitSpeechEnd() {
	d.cbMu.RLock()
	fn := d.onSpeechEnd
	d.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (d *Detector) emitVolume(level float64) {
	d.cbMu.RLock()
	fn := d.onVolumeChange
	d.cbMu.RUnlock()
	if fn != nil {
		fn(level)
	}
}

func (d *Detector) emitError(err error) {
	d.cbMu.RLock()
	fn := d.onError
	d.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
