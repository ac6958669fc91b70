// Package call runs one interruptible voice call.
//
// A Session wires voice detection, utterance capture, the backend transport
// and the playback queue together. Every component reports to the session by
// posting to a single event loop, which owns the call state. State changes
// are computed by the pure Transition function and carried out as effects,
// so the order of side effects around a transition is explicit: when the
// user barges in, local playback stops before the interrupt is sent.
//
// Example usage:
//
//	sess, err := call.New(channel, queue, detector, recorder,
//	    call.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	sess.OnChange(func(s call.Snapshot) { hub.Broadcast(s) })
//	if err := sess.Start(ctx); err != nil {
//	    logger.Warn("backend unavailable, retrying", "error", err)
//	}
//	defer sess.EndCall()
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-voicecall/pkg/capture"
	"github.com/teslashibe/go-voicecall/pkg/metrics"
	"github.com/teslashibe/go-voicecall/pkg/playback"
	"github.com/teslashibe/go-voicecall/pkg/protocol"
	"github.com/teslashibe/go-voicecall/pkg/transport"
	"github.com/teslashibe/go-voicecall/pkg/vad"
)

// Detector detects the start and end of user speech.
type Detector interface {
	Start(ctx context.Context) error
	Stop()
	Level() float64
	SetEngineSpeaking(on bool)
	OnSpeechStart(fn func())
	OnSpeechEnd(fn func())
	OnError(fn func(err error))
}

// Recorder records one utterance at a time.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopAndFlush(ctx context.Context) (capture.FlushResult, error)
	Discard()
	SetMuted(muted bool)
	Invalidate() error
	Release() error
}

// Playback plays the backend's audio frames.
type Playback interface {
	Enqueue(data []byte)
	Interrupt()
	SetMoreExpected(more bool)
	Active() bool
	Level() float64
	OnStart(fn func())
	OnDrained(fn func())
}

var (
	_ Detector = (*vad.Detector)(nil)
	_ Recorder = (*capture.Capture)(nil)
	_ Playback = (*playback.Queue)(nil)
)

// Session is a single live call.
type Session struct {
	id       string
	config   *Config
	channel  transport.Channel
	playback Playback
	detector Detector
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	conv     Conversation

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	endOnce sync.Once
	endErr  error

	// Owned by the event loop. stale marks inbound response traffic as
	// belonging to a response the user cancelled. pendingAcks counts
	// interrupts the backend has not yet confirmed with
	// speaking_end{interrupted}.
	ready          bool
	stale          bool
	pendingAcks    int
	engineSpeaking bool
	response       strings.Builder
	pendingEmotion string
	vadTimer       *time.Timer
	vadGen         int
	responseTimer  *time.Timer
	responseGen    int

	mu        sync.RWMutex
	state     State
	conn      transport.State
	muted     bool
	ended     bool
	startedAt time.Time
	endedAt   time.Time
	lastErr   string
	emotion   string

	cbMu     sync.RWMutex
	onChange func(Snapshot)
	onError  func(err error)
	onEntry  func(Entry)
}

// New creates a session. channel and queue are required; detector and
// recorder may be nil for a text-only call.
func New(channel transport.Channel, queue Playback, detector Detector, recorder Recorder, opts ...Option) (*Session, error) {
	if channel == nil {
		return nil, ErrNoChannel
	}
	if queue == nil {
		return nil, ErrNoPlayback
	}

	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		config:   cfg,
		channel:  channel,
		playback: queue,
		detector: detector,
		recorder: recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "call", "call_id", id),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), cfg.EventBuffer),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		conn:     channel.State(),
	}
	s.wire()
	return s, nil
}

// wire routes every component callback onto the event loop.
func (s *Session) wire() {
	s.channel.OnStateChange(func(st transport.State) {
		s.post(func() { s.handleConnState(st) })
	})
	s.channel.OnReady(func() {
		s.post(s.handleReady)
	})
	s.channel.OnAudio(func(data []byte) {
		s.post(func() { s.handleAudio(data) })
	})
	s.channel.OnControl(func(msg *protocol.Message) {
		s.post(func() { s.handleControl(msg) })
	})
	s.channel.OnError(func(err error) {
		s.post(func() {
			s.surface("transport", err)
			s.apply(Event{Kind: EventError})
		})
	})

	// The queue reports from the event loop as well as from its own
	// goroutines, so these only nudge the loop and never block.
	s.playback.OnStart(s.nudge)
	s.playback.OnDrained(s.nudge)

	if s.detector != nil {
		s.detector.OnSpeechStart(func() {
			s.post(func() { s.apply(Event{Kind: EventSpeechStart}) })
		})
		s.detector.OnSpeechEnd(func() {
			s.post(func() { s.apply(Event{Kind: EventSpeechEnd}) })
		})
		// Start failures are returned to startVAD; this only sees a
		// stream lost while detecting.
		s.detector.OnError(func(err error) {
			s.post(func() { s.surface("device", err) })
		})
	}
}

// Start runs the event loop and connects to the backend. A connection
// failure is returned, but the call stays open while the transport retries;
// end it with EndCall.
func (s *Session) Start(ctx context.Context) error {
	select {
	case <-s.quit:
		return ErrEnded
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.metrics.SetCallState(StateIdle.String())

	go s.run()
	s.logger.Info("call started")

	if err := s.channel.Connect(ctx); err != nil {
		return fmt.Errorf("call: connect: %w", err)
	}
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.config.TickInterval > 0 {
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.wake:
			s.syncEcho()
			s.emitChange()
		case <-tick:
			s.emitChange()
		case <-s.quit:
			return
		}
	}
}

// post queues fn for the event loop. It gives up once the call has ended.
// It must not be called from the loop itself: with the queue full it would
// wait on its own receiver.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

// nudge asks the loop to resync echo thresholds and publish a snapshot.
// Nudges coalesce, so it never blocks.
func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(fn func() error) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	select {
	case s.events <- func() { errc <- fn() }:
	case <-s.quit:
		return ErrEnded
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrEnded
	}
}

// apply runs one transition: Before effects, commit, After effects. Effects
// may produce follow-up events, which are applied in order afterwards.
func (s *Session) apply(ev Event) Plan {
	ev.PlaybackActive = s.playback.Active()
	from := s.State()
	plan := Transition(from, ev)
	if !plan.Accepted {
		s.logger.Debug("event ignored", "event", ev.Kind, "state", from)
		return plan
	}

	var follow []Event
	for _, e := range plan.Before {
		follow = append(follow, s.execute(e, ev)...)
	}
	s.commit(from, plan.Next, ev)
	for _, e := range plan.After {
		follow = append(follow, s.execute(e, ev)...)
	}
	for _, f := range follow {
		s.apply(f)
	}
	return plan
}

func (s *Session) commit(from, to State, ev Event) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()

	if to == StateProcessing {
		s.armResponseTimer()
	} else {
		s.cancelResponseTimer()
	}

	if from != to {
		s.logger.Info("call state changed", "from", from, "to", to, "event", ev.Kind)
		s.metrics.SetCallState(to.String())
	}
	s.syncEcho()
	s.emitChange()
}

func (s *Session) execute(e Effect, ev Event) []Event {
	switch e {
	case EffectStopPlayback:
		// Frames and text still in flight belong to the cancelled response.
		s.stale = true
		s.response.Reset()
		s.pendingEmotion = ""
		s.playback.Interrupt()
		s.syncEcho()

	case EffectSendInterrupt:
		if s.send(protocol.NewInterruptMessage()) {
			s.pendingAcks++
		}
		s.metrics.RecordInterrupt(interruptSource(ev.Kind))
		s.logger.Info("interrupted assistant", "source", interruptSource(ev.Kind))

	case EffectStartRecording:
		if s.recorder == nil {
			return nil
		}
		if err := s.recorder.StartRecording(s.ctx); err != nil {
			s.surface("device", err)
		}

	case EffectSendUserSpeaking:
		s.send(protocol.NewUserSpeakingMessage())

	case EffectFlushCapture:
		return s.flush()

	case EffectDiscardCapture:
		if s.recorder != nil {
			s.recorder.Discard()
		}

	case EffectSendText:
		s.send(protocol.NewTextMessage(ev.Text))
		s.appendEntry(Entry{Role: RoleUser, Content: ev.Text})
	}
	return nil
}

func (s *Session) flush() []Event {
	discarded := []Event{{Kind: EventFlushDiscarded}}
	if s.recorder == nil {
		return discarded
	}

	res, err := s.recorder.StopAndFlush(s.ctx)
	switch {
	case errors.Is(err, capture.ErrNotRecording):
		s.metrics.RecordUtterance("discarded", 0)
		return discarded
	case err != nil:
		s.metrics.RecordUtterance("failed", res.Size)
		s.surface("capture", err)
		return discarded
	case !res.Sent:
		s.metrics.RecordUtterance("discarded", res.Size)
		s.logger.Debug("utterance too small, back to idle", "bytes", res.Size)
		return discarded
	}
	s.metrics.RecordUtterance("sent", res.Size)
	return nil
}

func interruptSource(k EventKind) string {
	switch k {
	case EventSpeechStart:
		return "speech"
	case EventText:
		return "text"
	default:
		return "user"
	}
}

func (s *Session) send(msg *protocol.Message) bool {
	if err := s.channel.SendControl(msg); err != nil {
		s.logger.Warn("failed to send control message", "type", msg.Type, "error", err)
		return false
	}
	s.metrics.RecordControl("out", string(msg.Type))
	return true
}

// resetStale forgets the cancelled response. Used when nothing more of it
// can arrive: the connection dropped or the backend went silent.
func (s *Session) resetStale() {
	s.stale = false
	s.pendingAcks = 0
}

// syncEcho keeps the detector's echo thresholds in step with local output.
func (s *Session) syncEcho() {
	speaking := s.State() == StateSpeaking || s.playback.Active()
	if speaking == s.engineSpeaking {
		return
	}
	s.engineSpeaking = speaking
	if s.detector != nil {
		s.detector.SetEngineSpeaking(speaking)
	}
}

func (s *Session) handleReady() {
	s.ready = true
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()

	s.logger.Info("backend ready")
	s.armVADStart()
	s.emitChange()
}

func (s *Session) handleConnState(st transport.State) {
	s.mu.Lock()
	prev := s.conn
	s.conn = st
	s.mu.Unlock()

	if st != transport.StateConnected {
		s.ready = false
		s.resetStale()
		s.cancelVADStart()
		if s.detector != nil {
			s.detector.Stop()
		}
		if prev == transport.StateConnected {
			s.apply(Event{Kind: EventDisconnected})
		}
	}
	s.emitChange()
}

func (s *Session) handleAudio(data []byte) {
	if s.stale {
		s.logger.Debug("dropping audio from interrupted response", "bytes", len(data))
		return
	}
	s.playback.Enqueue(data)
	s.syncEcho()
}

func (s *Session) handleControl(msg *protocol.Message) {
	s.metrics.RecordControl("in", string(msg.Type))

	switch msg.Type {
	case protocol.TypeSpeakingStart:
		if s.stale {
			s.logger.Debug("dropping speaking_start of cancelled response")
			return
		}
		if plan := s.apply(Event{Kind: EventSpeakingStart}); plan.Accepted {
			s.playback.SetMoreExpected(true)
		} else {
			// The user is talking; this bracket is already superseded.
			s.stale = true
		}

	case protocol.TypeSpeakingEnd:
		if msg.Interrupted() && s.pendingAcks > 0 {
			// Confirms a local interrupt whose transition already ran.
			s.pendingAcks--
			if s.pendingAcks == 0 {
				s.stale = false
			}
			s.logger.Debug("backend confirmed interrupt", "pending", s.pendingAcks)
			return
		}
		if s.stale {
			// Closes the superseded bracket, not the current turn.
			return
		}
		s.playback.SetMoreExpected(false)
		s.apply(Event{Kind: EventSpeakingEnd})

	case protocol.TypeAudioChunk:
		if !s.stale {
			s.playback.SetMoreExpected(true)
		}

	case protocol.TypeToken:
		if !s.stale {
			s.response.WriteString(msg.Content)
		}

	case protocol.TypeResponseEnd:
		if s.stale {
			s.response.Reset()
			return
		}
		s.commitResponse()

	case protocol.TypeTranscript:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			s.apply(Event{Kind: EventTranscriptEmpty})
			return
		}
		// A transcript opens a new turn. An unconfirmed interrupt keeps its
		// count so the late ack is still consumed.
		s.stale = false
		s.response.Reset()
		s.appendEntry(Entry{Role: RoleUser, Content: text})

	case protocol.TypeEmotion:
		name := msg.EmotionName()
		s.pendingEmotion = name
		s.mu.Lock()
		s.emotion = name
		s.mu.Unlock()
		s.emitChange()

	case protocol.TypeError:
		s.surface("backend", transport.NewAPIError(msg.Error))
		s.apply(Event{Kind: EventError})

	default:
		s.logger.Debug("ignoring control message", "type", msg.Type)
	}
}

func (s *Session) commitResponse() {
	text := strings.TrimSpace(s.response.String())
	s.response.Reset()
	if text == "" {
		return
	}
	s.appendEntry(Entry{Role: RoleAssistant, Content: text, Emotion: s.pendingEmotion})
	s.pendingEmotion = ""
}

func (s *Session) appendEntry(e Entry) {
	e.Timestamp = time.Now()
	if !s.conv.Append(e) {
		s.logger.Debug("duplicate conversation entry skipped", "role", e.Role)
		return
	}
	s.emitEntry(e)
	s.emitChange()
}

// surface records err as the call's visible error.
func (s *Session) surface(kind string, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()

	s.metrics.RecordError(kind)
	s.logger.Error("call error", "kind", kind, "error", err)
	s.emitError(err)
	s.emitChange()
}

func (s *Session) armVADStart() {
	s.cancelVADStart()
	if s.detector == nil || s.Muted() {
		return
	}
	s.vadGen++
	gen := s.vadGen
	if s.config.VADStartDelay <= 0 {
		s.startVAD(gen)
		return
	}
	s.vadTimer = time.AfterFunc(s.config.VADStartDelay, func() {
		s.post(func() { s.startVAD(gen) })
	})
}

func (s *Session) cancelVADStart() {
	s.vadGen++
	if s.vadTimer != nil {
		s.vadTimer.Stop()
		s.vadTimer = nil
	}
}

func (s *Session) startVAD(gen int) {
	if gen != s.vadGen || !s.ready || s.Muted() {
		return
	}
	s.vadTimer = nil
	if err := s.detector.Start(s.ctx); err != nil {
		s.surface("device", err)
		return
	}
	s.syncEcho()
	s.logger.Debug("voice detection started")
}

func (s *Session) armResponseTimer() {
	s.cancelResponseTimer()
	if s.config.ResponseTimeout <= 0 {
		return
	}
	gen := s.responseGen
	s.responseTimer = time.AfterFunc(s.config.ResponseTimeout, func() {
		s.post(func() {
			if gen != s.responseGen {
				return
			}
			s.responseTimer = nil
			// Whatever the backend was doing is abandoned.
			s.resetStale()
			s.surface("timeout", ErrResponseTimeout)
			s.apply(Event{Kind: EventResponseTimeout})
		})
	})
}

func (s *Session) cancelResponseTimer() {
	s.responseGen++
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) setMuted(muted bool) error {
	if muted == s.Muted() {
		return nil
	}
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()

	if muted {
		s.cancelVADStart()
		if s.detector != nil {
			s.detector.Stop()
		}
		s.apply(Event{Kind: EventMute})
		if s.recorder != nil {
			s.recorder.SetMuted(true)
			// Close the microphone while muted; unmuting reopens it.
			if err := s.recorder.Invalidate(); err != nil {
				s.logger.Warn("failed to release microphone", "error", err)
			}
		}
		s.logger.Info("microphone muted")
	} else {
		if s.recorder != nil {
			s.recorder.SetMuted(false)
		}
		if s.ready && s.detector != nil {
			s.vadGen++
			s.startVAD(s.vadGen)
		}
		s.logger.Info("microphone unmuted")
	}
	s.emitChange()
	return nil
}

// SetMuted mutes or unmutes the microphone. Muting stops voice detection
// and discards a recording in progress; unmuting restarts detection only
// while the backend is connected.
func (s *Session) SetMuted(muted bool) error {
	return s.do(func() error { return s.setMuted(muted) })
}

// ToggleMute flips the mute state and returns the new value.
func (s *Session) ToggleMute() (bool, error) {
	var muted bool
	err := s.do(func() error {
		muted = !s.Muted()
		return s.setMuted(muted)
	})
	return muted, err
}

// SendText sends a text-only turn, interrupting the assistant if it is
// speaking.
func (s *Session) SendText(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	return s.do(func() error {
		if s.ConnectionState() != transport.StateConnected {
			return transport.ErrNotConnected
		}
		if plan := s.apply(Event{Kind: EventText, Text: content}); !plan.Accepted {
			return ErrBusy
		}
		return nil
	})
}

// Interrupt stops the assistant. Playback stops before the interrupt is
// sent. It is a no-op when nothing is playing or pending.
func (s *Session) Interrupt() error {
	return s.do(func() error {
		s.apply(Event{Kind: EventInterrupt})
		return nil
	})
}

// Reconnect reopens the connection after the transport gave up.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.Ended() {
		return ErrEnded
	}
	return s.channel.Connect(ctx)
}

// EndCall tears the call down: timers are cancelled, the transport is
// closed without reconnection, voice detection stops, the microphone is
// released and playback is flushed. It is idempotent and must not be
// called from an OnChange, OnError or OnEntry callback.
func (s *Session) EndCall() error {
	s.endOnce.Do(func() {
		s.endErr = s.end()
	})
	return s.endErr
}

func (s *Session) end() error {
	close(s.quit)
	if s.started.Load() {
		<-s.done
	}

	// The loop has exited; the remaining loop-owned state is ours.
	s.cancelVADStart()
	s.cancelResponseTimer()
	s.cancel()

	err := s.channel.Close()
	if s.detector != nil {
		s.detector.Stop()
	}
	if s.recorder != nil {
		if rerr := s.recorder.Release(); rerr != nil {
			s.logger.Warn("failed to release microphone", "error", rerr)
		}
	}
	s.playback.Interrupt()

	s.mu.Lock()
	s.ended = true
	s.endedAt = time.Now()
	s.state = StateIdle
	s.mu.Unlock()
	s.metrics.SetCallState(StateIdle.String())

	s.logger.Info("call ended", "duration", s.Duration().Round(time.Second))
	s.emitChange()
	return err
}

// ID returns the call's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the call state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectionState returns the transport state as last observed.
func (s *Session) ConnectionState() transport.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// Ended reports whether EndCall has run.
func (s *Session) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// Duration returns how long the call has been running.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.startedAt.IsZero():
		return 0
	case s.ended:
		return s.endedAt.Sub(s.startedAt)
	default:
		return time.Since(s.startedAt)
	}
}

// AudioLevel returns the level to visualise: the output level while the
// assistant is audible, the microphone level otherwise.
func (s *Session) AudioLevel() float64 {
	if s.State() == StateSpeaking || s.playback.Active() {
		return s.playback.Level()
	}
	if s.detector == nil || s.Muted() {
		return 0
	}
	return s.detector.Level()
}

// LastError returns the most recent error, cleared when the backend
// becomes ready again.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Log returns a copy of the conversation log.
func (s *Session) Log() []Entry {
	return s.conv.Entries()
}

// Snapshot returns the current view of the call.
func (s *Session) Snapshot() Snapshot {
	d := s.Duration()
	level := s.AudioLevel()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:         s.id,
		State:      s.state,
		Connection: s.conn.String(),
		Muted:      s.muted,
		Duration:   d,
		DurationMS: d.Milliseconds(),
		Level:      level,
		Emotion:    s.emotion,
		Error:      s.lastErr,
		Entries:    s.conv.Len(),
		Ended:      s.ended,
	}
}

// OnChange sets the callback fired with a fresh snapshot on every change
// and every tick.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onChange = fn
}

// OnError sets the callback for errors surfaced to the user.
func (s *Session) OnError(fn func(err error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onError = fn
}

// OnEntry sets the callback for new conversation entries.
func (s *Session) OnEntry(fn func(Entry)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onEntry = fn
}

func (s *Session) emitChange() {
	s.cbMu.RLock()
	fn := s.onChange
	s.cbMu.RUnlock()
	if fn != nil {
		fn(s.Snapshot())
	}
}

func (s *Session) emitError(err error) {
	s.cbMu.RLock()
	fn := s.onError
	s.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) emitEntry(e Entry) {
	s.cbMu.RLock()
	fn := s.onEntry
	s.cbMu.RUnlock()
	if fn != nil {
		fn(e)
	}
}
