package audioio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SharedSource keeps a single Source running for the whole call and fans its
// chunks out to any number of subscribers. The device is started by the first
// Acquire and stays open until Release, so repeated recordings reuse it.
type SharedSource struct {
	src    Source
	logger *slog.Logger

	mu       sync.Mutex
	acquired bool
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[int]chan AudioChunk
	nextID   int

	dropped atomic.Int64
}

// NewSharedSource wraps src.
func NewSharedSource(src Source, logger *slog.Logger) *SharedSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedSource{
		src:    src,
		logger: logger.With("component", "audioio.shared", "backend", src.Name()),
		subs:   make(map[int]chan AudioChunk),
	}
}

// Acquire starts the underlying device if it is not already running.
// The device outlives ctx; only Release stops it.
func (s *SharedSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquired {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.src.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("audioio: acquire %s: %w", s.src.Name(), err)
	}

	s.acquired = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.fanOut(s.src.Stream(), s.done)

	s.logger.Info("input stream acquired")
	return nil
}

// Acquired reports whether the device is open.
func (s *SharedSource) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Subscribe registers a consumer. The returned channel is closed when the
// stream is released or lost; the func removes the subscription early.
func (s *SharedSource) Subscribe(buffer int) (<-chan AudioChunk, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan AudioChunk, max(buffer, 1))
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *SharedSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped returns how many chunks were dropped for slow subscribers.
func (s *SharedSource) Dropped() int64 {
	return s.dropped.Load()
}

// Config returns the underlying source configuration.
func (s *SharedSource) Config() Config {
	return s.src.Config()
}

// Release stops the device and closes every subscription.
func (s *SharedSource) Release() error {
	s.mu.Lock()
	if !s.acquired {
		s.mu.Unlock()
		return nil
	}
	s.acquired = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	err := s.src.Stop()
	cancel()
	<-done

	s.logger.Info("input stream released")
	return err
}

// Close releases the stream and the underlying device for good.
func (s *SharedSource) Close() error {
	if err := s.Release(); err != nil {
		return err
	}
	return s.src.Close()
}

func (s *SharedSource) fanOut(in <-chan AudioChunk, done chan struct{}) {
	defer close(done)
	defer s.closeSubscribers()

	for chunk := range in {
		s.mu.Lock()
		for _, ch := range s.subs {
			select {
			case ch <- chunk:
			default:
				s.dropped.Add(1)
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	lost := s.acquired
	s.acquired = false
	cancel := s.cancel
	s.mu.Unlock()
	if lost {
		cancel()
		s.logger.Warn("input stream ended unexpectedly")
	}
}

func (s *SharedSource) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
