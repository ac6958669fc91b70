// Package playback plays the backend's synthesized speech in arrival order.
//
// Binary frames are queued as they arrive and played one after another by a
// single loop. The queue meters the output level for visualisation, can be
// interrupted synchronously when the user barges in, and can wait briefly
// for more audio while a response is still streaming.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is a FIFO of undecoded audio frames.
type Queue struct {
	config  *Config
	decoder Decoder
	player  Player
	logger  *slog.Logger

	mu           sync.Mutex
	items        [][]byte
	playing      bool
	gen          int
	cancel       context.CancelFunc
	moreExpected bool
	grace        *time.Timer
	level        float64

	cbMu      sync.RWMutex
	onStart   func()
	onLevel   func(level float64)
	onDrained func()
	onDrop    func(err error)

	played  atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a queue that decodes with decoder and plays through player.
func NewQueue(decoder Decoder, player Player, opts ...Option) (*Queue, error) {
	if decoder == nil {
		return nil, ErrNoDecoder
	}
	if player == nil {
		return nil, ErrNoPlayer
	}

	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Queue{
		config:  cfg,
		decoder: decoder,
		player:  player,
		logger:  cfg.Logger.With("component", "playback"),
	}, nil
}

// Enqueue appends a frame and starts playback if idle.
func (q *Queue) Enqueue(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	q.mu.Unlock()

	q.PlayNext()
}

// PlayNext starts the play loop. It is a no-op while already playing or
// when the queue is empty.
func (q *Queue) PlayNext() {
	q.mu.Lock()
	if q.playing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	resumed := q.stopGraceLocked()
	q.playing = true
	gen := q.gen
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.mu.Unlock()

	if !resumed {
		q.logger.Debug("playback started")
		q.emitStart()
	}
	go q.loop(ctx, gen)
}

func (q *Queue) loop(ctx context.Context, gen int) {
	for {
		q.mu.Lock()
		if gen != q.gen {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.finishLocked(gen)
			return
		}
		data := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		chunk, err := q.decoder.Decode(data)
		if err != nil {
			q.dropped.Add(1)
			q.logger.Warn("dropping undecodable audio chunk", "bytes", len(data), "error", err)
			q.emitDrop(err)
			continue
		}

		err = q.player.Play(ctx, chunk, func(level float64) {
			q.setLevel(gen, level)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			q.dropped.Add(1)
			q.logger.Warn("audio chunk playback failed", "error", err)
			q.emitDrop(err)
			continue
		}
		q.played.Add(1)
	}
}

// finishLocked ends the loop on an empty queue and unlocks q.mu.
func (q *Queue) finishLocked(gen int) {
	q.playing = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}

	if q.moreExpected && q.config.GraceWait > 0 {
		q.grace = time.AfterFunc(q.config.GraceWait, func() {
			q.graceExpired(gen)
		})
		q.mu.Unlock()
		q.logger.Debug("queue empty, waiting for more audio", "grace", q.config.GraceWait)
		return
	}

	q.level = 0
	q.mu.Unlock()

	q.emitLevel(0)
	q.logger.Debug("playback drained")
	q.emitDrained()
}

func (q *Queue) graceExpired(gen int) {
	q.mu.Lock()
	if gen != q.gen || q.playing || q.grace == nil {
		q.mu.Unlock()
		return
	}
	q.grace = nil
	q.level = 0
	q.mu.Unlock()

	q.emitLevel(0)
	q.logger.Debug("grace wait expired, playback drained")
	q.emitDrained()
}

// stopGraceLocked cancels a pending grace wait and reports whether one was pending.
func (q *Queue) stopGraceLocked() bool {
	if q.grace == nil {
		return false
	}
	q.grace.Stop()
	q.grace = nil
	return true
}

// SetMoreExpected tells the queue whether the backend is still sending
// audio. Clearing it while waiting on an empty queue finishes playback now.
func (q *Queue) SetMoreExpected(more bool) {
	q.mu.Lock()
	q.moreExpected = more
	if more || q.grace == nil {
		q.mu.Unlock()
		return
	}
	q.stopGraceLocked()
	q.level = 0
	q.mu.Unlock()

	q.emitLevel(0)
	q.logger.Debug("playback drained")
	q.emitDrained()
}

// Interrupt stops playback immediately. On return the queue is empty,
// nothing is playing, the level is zero and any grace wait is cancelled.
// Output from the interrupted loop is ignored.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.gen++
	dropped := len(q.items)
	q.items = nil
	wasPlaying := q.playing
	q.playing = false
	q.moreExpected = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.stopGraceLocked()
	q.level = 0
	q.mu.Unlock()

	q.player.Stop()
	q.emitLevel(0)

	if wasPlaying || dropped > 0 {
		q.logger.Info("playback interrupted", "discarded", dropped)
	}
}

func (q *Queue) setLevel(gen int, level float64) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.level = level
	q.mu.Unlock()

	q.emitLevel(level)
}

// Level returns the level of the frame being played, or 0 when idle.
func (q *Queue) Level() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// Len returns the number of frames waiting to be played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Playing reports whether the play loop is running.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Active reports whether audio is playing or the queue is waiting for more.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || q.grace != nil || len(q.items) > 0
}

// Played returns the number of chunks played to completion.
func (q *Queue) Played() int64 {
	return q.played.Load()
}

// Dropped returns the number of chunks that failed to decode or play.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// OnStart sets the callback fired when playback starts from idle.
func (q *Queue) OnStart(fn func()) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onStart = fn
}

// OnLevel sets the callback for output level updates.
func (q *Queue) OnLevel(fn func(level float64)) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onLevel = fn
}

// OnDrained sets the callback fired when playback finishes on its own.
// It is not fired by Interrupt.
func (q *Queue) OnDrained(fn func()) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onDrained = fn
}

// OnDrop sets the callback for chunks that could not be decoded or played.
func (q *Queue) OnDrop(fn func(err error)) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.onDrop = fn
}

func (q *Queue) emitStart() {
	q.cbMu.RLock()
	fn := q.onStart
	q.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (q *Queue) emitLevel(level float64) {
	q.cbMu.RLock()
	fn := q.onLevel
	q.cbMu.RUnlock()
	if fn != nil {
		fn(level)
	}
}

func (q *Queue) emitDrained() {
	q.cbMu.RLock()
	fn := q.onDrained
	q.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (q *Queue) emitDrop(err error) {
	q.cbMu.RLock()
	fn := q.onDrop
	q.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
