package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-voicecall/internal/log"
	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/capture"
	"github.com/teslashibe/go-voicecall/pkg/codec"
	"github.com/teslashibe/go-voicecall/pkg/playback"
	"github.com/teslashibe/go-voicecall/pkg/protocol"
	"github.com/teslashibe/go-voicecall/pkg/transport"
)

// trace records the order of side effects across components.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.events = append(t.events, s)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeDetector struct {
	mu       sync.Mutex
	onStart  func()
	onEnd    func()
	onError  func(error)
	starts   int
	stops    int
	engine   bool
	level    float64
	startErr error
}

func (d *fakeDetector) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.starts++
	return nil
}

func (d *fakeDetector) Stop() {
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
}

func (d *fakeDetector) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *fakeDetector) SetEngineSpeaking(on bool) {
	d.mu.Lock()
	d.engine = on
	d.mu.Unlock()
}

func (d *fakeDetector) OnSpeechStart(fn func())     { d.onStart = fn }
func (d *fakeDetector) OnSpeechEnd(fn func())       { d.onEnd = fn }
func (d *fakeDetector) OnError(fn func(err error)) { d.onError = fn }

func (d *fakeDetector) counts() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

func (d *fakeDetector) engineSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

type fakeRecorder struct {
	mu          sync.Mutex
	recording   bool
	muted       bool
	starts      int
	discards    int
	invalidates int
	releases    int
	result      capture.FlushResult
	flushErr    error
}

func (r *fakeRecorder) StartRecording(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording || r.muted {
		return nil
	}
	r.recording = true
	r.starts++
	return nil
}

func (r *fakeRecorder) StopAndFlush(context.Context) (capture.FlushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return capture.FlushResult{}, capture.ErrNotRecording
	}
	r.recording = false
	return r.result, r.flushErr
}

func (r *fakeRecorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		r.discards++
	}
	r.recording = false
}

func (r *fakeRecorder) SetMuted(m bool) {
	r.mu.Lock()
	r.muted = m
	r.mu.Unlock()
	if m {
		r.Discard()
	}
}

func (r *fakeRecorder) Invalidate() error {
	r.Discard()
	r.mu.Lock()
	r.invalidates++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) Release() error {
	r.mu.Lock()
	r.releases++
	r.recording = false
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) snapshot() fakeRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fakeRecorder{
		recording:   r.recording,
		muted:       r.muted,
		starts:      r.starts,
		discards:    r.discards,
		invalidates: r.invalidates,
		releases:    r.releases,
	}
}

// gatedPlayer blocks in Play until released or stopped.
type gatedPlayer struct {
	trace  *trace
	gate   chan struct{}
	mu     sync.Mutex
	played [][]int16
	stops  atomic.Int32
}

func newGatedPlayer(tr *trace) *gatedPlayer {
	return &gatedPlayer{trace: tr, gate: make(chan struct{})}
}

func (p *gatedPlayer) Play(ctx context.Context, chunk audioio.AudioChunk, onLevel func(float64)) error {
	onLevel(0.4)
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.played = append(p.played, chunk.Samples)
	p.mu.Unlock()
	return nil
}

func (p *gatedPlayer) Stop() {
	p.stops.Add(1)
	p.trace.add("stop_playback")
}

func (p *gatedPlayer) release() { close(p.gate) }

func (p *gatedPlayer) samples() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.played...)
}

type harness struct {
	sess     *Session
	mock     *transport.Mock
	detector *fakeDetector
	recorder *fakeRecorder
	queue    *playback.Queue
	player   *gatedPlayer
	trace    *trace

	errMu  sync.Mutex
	errors []error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mock:     transport.NewMock(),
		detector: &fakeDetector{},
		recorder: &fakeRecorder{result: capture.FlushResult{Size: 4000, Slices: 2, Sent: true}},
		trace:    &trace{},
	}
	h.player = newGatedPlayer(h.trace)

	// Record outbound control messages in order with playback stops.
	var sendMu sync.Mutex
	h.mock.SendControlFunc = func(msg *protocol.Message) error {
		if h.mock.State() != transport.StateConnected {
			return transport.ErrNotConnected
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		h.trace.add(string(msg.Type))
		return nil
	}

	q, err := playback.NewQueue(codec.PCMDecoder{SampleRate: 24000, Channels: 1}, h.player,
		playback.WithLogger(log.Discard()),
		playback.WithGraceWait(0),
	)
	require.NoError(t, err)
	h.queue = q

	opts = append([]Option{
		WithLogger(log.Discard()),
		WithVADStartDelay(0),
		WithTickInterval(0),
	}, opts...)
	sess, err := New(h.mock, q, h.detector, h.recorder, opts...)
	require.NoError(t, err)
	h.sess = sess
	sess.OnError(func(err error) {
		h.errMu.Lock()
		h.errors = append(h.errors, err)
		h.errMu.Unlock()
	})

	t.Cleanup(func() {
		_ = sess.EndCall()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sess.Start(context.Background()))
	h.sync(t)
}

// sync waits until the event loop has processed everything posted so far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sess.do(func() error { return nil }))
}

func (h *harness) control(t *testing.T, msg *protocol.Message) {
	t.Helper()
	h.mock.SimulateControl(msg)
	h.sync(t)
}

func (h *harness) speechStart(t *testing.T) {
	t.Helper()
	h.detector.onStart()
	h.sync(t)
}

func (h *harness) speechEnd(t *testing.T) {
	t.Helper()
	h.detector.onEnd()
	h.sync(t)
}

func (h *harness) surfaced() []error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return append([]error(nil), h.errors...)
}

func pcm(v int16) []byte {
	return audioio.SamplesToBytes([]int16{v, v})
}

func TestNew_Validation(t *testing.T) {
	q, err := playback.NewQueue(codec.PCMDecoder{}, newGatedPlayer(&trace{}))
	require.NoError(t, err)

	_, err = New(nil, q, nil, nil)
	assert.ErrorIs(t, err, ErrNoChannel)
	_, err = New(transport.NewMock(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoPlayback)
	_, err = New(transport.NewMock(), q, nil, nil, WithResponseTimeout(-time.Second))
	assert.Error(t, err)
}

func TestSession_StartConnectsAndStartsDetection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.sess.Interrupt(), ErrNotStarted)

	h.start(t)

	assert.Equal(t, 1, h.mock.ConnectCalls)
	assert.Equal(t, transport.StateConnected, h.sess.ConnectionState())
	starts, _ := h.detector.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, StateIdle, h.sess.State())
	assert.NotEmpty(t, h.sess.ID())
	assert.ErrorIs(t, h.sess.Start(context.Background()), ErrAlreadyStarted)
}

func TestSession_DetectionStartsAfterDelay(t *testing.T) {
	h := newHarness(t, WithVADStartDelay(40*time.Millisecond))
	h.start(t)

	starts, _ := h.detector.counts()
	assert.Zero(t, starts)
	require.Eventually(t, func() bool {
		starts, _ := h.detector.counts()
		return starts == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_ConnectFailureKeepsCallOpen(t *testing.T) {
	h := newHarness(t)
	h.mock.ConnectFunc = func(context.Context) error {
		return transport.NewConnectionError("dial failed", errors.New("refused"), true)
	}

	err := h.sess.Start(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsRetryable(err))
	assert.False(t, h.sess.Ended())
	h.sync(t)
}

func TestSession_UtteranceRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	assert.Equal(t, StateListening, h.sess.State())
	assert.True(t, h.recorder.snapshot().recording)
	assert.Equal(t, []string{"user_speaking"}, h.trace.list())

	h.speechEnd(t)
	assert.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewTranscriptMessage("what's the weather"))
	h.control(t, protocol.NewSpeakingStartMessage())
	assert.Equal(t, StateSpeaking, h.sess.State())
	assert.True(t, h.detector.engineSpeaking(), "echo thresholds while speaking")

	h.mock.SimulateAudio(pcm(1))
	h.mock.SimulateAudio(pcm(2))
	h.control(t, protocol.NewTokenMessage("Sunny"))
	h.control(t, protocol.NewTokenMessage(" all day."))
	h.control(t, protocol.NewEmotionMessage("happy"))
	h.control(t, protocol.NewResponseEndMessage())
	assert.Equal(t, StateSpeaking, h.sess.State(), "response_end never changes state")

	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonComplete))
	assert.Equal(t, StateIdle, h.sess.State())

	h.player.release()
	require.Eventually(t, func() bool { return len(h.player.samples()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int16{{1, 1}, {2, 2}}, h.player.samples())
	require.Eventually(t, func() bool { return !h.detector.engineSpeaking() }, time.Second, 5*time.Millisecond)

	entries := h.sess.Log()
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Role: RoleUser, Content: "what's the weather", Timestamp: entries[0].Timestamp}, entries[0])
	assert.Equal(t, RoleAssistant, entries[1].Role)
	assert.Equal(t, "Sunny all day.", entries[1].Content)
	assert.Equal(t, "happy", entries[1].Emotion)
	assert.Equal(t, "happy", h.sess.Snapshot().Emotion)
}

func TestSession_SmallUtteranceReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.recorder.result = capture.FlushResult{Size: 200, Sent: false}
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)

	assert.Equal(t, StateIdle, h.sess.State())
	assert.Empty(t, h.mock.SentBinaries())
}

func TestSession_FlushErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.recorder.flushErr = errors.New("socket closed")
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)

	assert.Equal(t, StateIdle, h.sess.State())
	assert.Contains(t, h.sess.LastError(), "socket closed")
}

func TestSession_LateSpeakingEndAfterInterrupt(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.mock.SimulateAudio(pcm(2))
	h.sync(t)
	require.Equal(t, StateSpeaking, h.sess.State())

	require.NoError(t, h.sess.Interrupt())
	assert.Equal(t, StateIdle, h.sess.State())
	assert.Zero(t, h.queue.Len())
	assert.False(t, h.queue.Playing())
	assert.Zero(t, h.queue.Level())
	assert.Equal(t, []string{"stop_playback", "interrupt"}, h.trace.list())

	// Frames of the cancelled response still in flight are dropped.
	h.mock.SimulateAudio(pcm(3))
	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))
	assert.Equal(t, StateIdle, h.sess.State())
	assert.Zero(t, h.queue.Len())
	assert.False(t, h.queue.Active())

	h.player.release()
	assert.Empty(t, h.player.samples())
}

func TestSession_BargeInStopsAudioBeforeInterrupt(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.mock.SimulateAudio(pcm(2))
	h.sync(t)
	require.Eventually(t, h.queue.Playing, time.Second, time.Millisecond)

	h.speechStart(t)

	assert.Equal(t, StateListening, h.sess.State())
	assert.Equal(t, []string{"stop_playback", "interrupt", "user_speaking"}, h.trace.list())
	assert.Zero(t, h.queue.Len())
	assert.False(t, h.queue.Playing())
	assert.True(t, h.recorder.snapshot().recording)

	// The backend's confirmation is a no-op for the new turn.
	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))
	assert.Equal(t, StateListening, h.sess.State())
}

func TestSession_InterruptDropsLateSpeakingStart(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)
	h.control(t, protocol.NewTranscriptMessage("read me a poem"))
	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.sync(t)
	require.Equal(t, StateSpeaking, h.sess.State())

	require.NoError(t, h.sess.Interrupt())
	require.Equal(t, StateIdle, h.sess.State())

	// A bracket of the cancelled response that crossed the interrupt.
	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(2))
	h.sync(t)
	assert.Equal(t, StateIdle, h.sess.State())
	assert.False(t, h.queue.Active())

	// The confirmation reopens the channel for the next response.
	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))
	assert.Equal(t, StateIdle, h.sess.State())
	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(3))
	h.sync(t)
	assert.Equal(t, StateSpeaking, h.sess.State())
	assert.True(t, h.queue.Active())

	h.player.release()
	require.Eventually(t, func() bool { return len(h.player.samples()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int16{{3, 3}}, h.player.samples())
}

func TestSession_InterruptAckAfterSendTextKeepsProcessing(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.sess.SendText("tell me a story"))
	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.sync(t)

	require.NoError(t, h.sess.SendText("a shorter one"))
	require.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))
	assert.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewSpeakingStartMessage())
	assert.Equal(t, StateSpeaking, h.sess.State())
}

func TestSession_InterruptAckAfterBargeInKeepsProcessing(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.sync(t)

	h.speechStart(t)
	h.speechEnd(t)
	require.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))
	assert.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewTranscriptMessage("stop, wait"))
	h.control(t, protocol.NewSpeakingStartMessage())
	assert.Equal(t, StateSpeaking, h.sess.State())
}

func TestSession_DisconnectForgetsPendingInterrupt(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	require.NoError(t, h.sess.Interrupt())

	h.mock.SimulateState(transport.StateConnecting)
	h.mock.SimulateState(transport.StateConnected)
	h.mock.SimulateReady()
	h.sync(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	assert.Equal(t, StateSpeaking, h.sess.State())
}

func TestSession_BargeInWhilePlaybackDrains(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.control(t, protocol.NewSpeakingEndMessage(protocol.ReasonComplete))
	require.Equal(t, StateIdle, h.sess.State())
	require.True(t, h.queue.Active(), "audio outlasts the bracket")

	h.speechStart(t)
	assert.Equal(t, []string{"stop_playback", "interrupt", "user_speaking"}, h.trace.list())
}

func TestSession_SpeakingStartWhileListeningIsDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(9))
	h.sync(t)

	assert.Equal(t, StateListening, h.sess.State())
	assert.False(t, h.queue.Active())
}

func TestSession_TranscriptDedup(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	var entries atomic.Int32
	h.sess.OnEntry(func(Entry) { entries.Add(1) })

	h.control(t, protocol.NewTranscriptMessage("hello"))
	h.control(t, protocol.NewTranscriptMessage("hello"))
	for i := 0; i < 2; i++ {
		h.control(t, protocol.NewTokenMessage("hi"))
		h.control(t, protocol.NewResponseEndMessage())
	}
	h.control(t, protocol.NewResponseEndMessage())

	assert.Len(t, h.sess.Log(), 2)
	assert.EqualValues(t, 2, entries.Load())
}

func TestSession_EmptyTranscriptEndsProcessing(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)
	require.Equal(t, StateProcessing, h.sess.State())

	h.control(t, protocol.NewTranscriptMessage("  "))
	assert.Equal(t, StateIdle, h.sess.State())
	assert.Empty(t, h.sess.Log())
}

func TestSession_ResponseTimeout(t *testing.T) {
	h := newHarness(t, WithResponseTimeout(30*time.Millisecond))
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)
	require.Equal(t, StateProcessing, h.sess.State())

	require.Eventually(t, func() bool { return h.sess.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ErrResponseTimeout.Error(), h.sess.LastError())
}

func TestSession_ResponseTimeoutCancelledBySpeech(t *testing.T) {
	h := newHarness(t, WithResponseTimeout(30*time.Millisecond))
	h.start(t)

	h.speechStart(t)
	h.speechEnd(t)
	h.control(t, protocol.NewSpeakingStartMessage())

	time.Sleep(60 * time.Millisecond)
	h.sync(t)
	assert.Equal(t, StateSpeaking, h.sess.State())
	assert.Empty(t, h.sess.LastError())
}

func TestSession_BackendErrorForcesIdle(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	h.control(t, protocol.NewErrorMessage("speech model overloaded"))

	assert.Equal(t, StateIdle, h.sess.State())
	assert.Equal(t, 1, h.recorder.snapshot().discards)
	assert.Contains(t, h.sess.LastError(), "speech model overloaded")
	require.Len(t, h.surfaced(), 1)
	var apiErr *transport.APIError
	assert.ErrorAs(t, h.surfaced()[0], &apiErr)
	assert.False(t, h.sess.Ended(), "errors never end the call")

	// Readiness clears the error.
	h.mock.SimulateReady()
	h.sync(t)
	assert.Empty(t, h.sess.LastError())
}

func TestSession_ConnectionLoss(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateState(transport.StateConnecting)
	h.sync(t)

	assert.Equal(t, StateIdle, h.sess.State())
	_, stops := h.detector.counts()
	assert.Equal(t, 1, stops)

	h.mock.SimulateState(transport.StateError)
	h.mock.SimulateError(transport.ErrReconnectExhausted)
	h.sync(t)

	assert.Equal(t, transport.StateError, h.sess.ConnectionState())
	assert.Equal(t, transport.ErrReconnectExhausted.Error(), h.sess.LastError())
	assert.ErrorIs(t, h.sess.SendText("hello?"), transport.ErrNotConnected)

	// Unmuting while disconnected does not restart detection.
	require.NoError(t, h.sess.SetMuted(true))
	require.NoError(t, h.sess.SetMuted(false))
	starts, _ := h.detector.counts()
	assert.Equal(t, 1, starts)

	// Reconnect restarts detection on readiness.
	require.NoError(t, h.sess.Reconnect(context.Background()))
	h.sync(t)
	starts, _ = h.detector.counts()
	assert.Equal(t, 2, starts)
}

func TestSession_Mute(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.speechStart(t)
	require.Equal(t, StateListening, h.sess.State())

	muted, err := h.sess.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, h.sess.Muted())
	assert.Equal(t, StateIdle, h.sess.State())

	rec := h.recorder.snapshot()
	assert.False(t, rec.recording)
	assert.Equal(t, 1, rec.discards)
	assert.Equal(t, 1, rec.invalidates)
	assert.True(t, rec.muted)
	_, stops := h.detector.counts()
	assert.Equal(t, 1, stops)
	assert.Zero(t, h.sess.AudioLevel())

	muted, err = h.sess.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	starts, _ := h.detector.counts()
	assert.Equal(t, 2, starts)
	assert.False(t, h.recorder.snapshot().muted)
}

func TestSession_DeviceFailureIsReported(t *testing.T) {
	h := newHarness(t, WithEventBuffer(1))
	h.detector.startErr = errors.New("microphone permission denied")
	h.start(t)
	h.sync(t)

	assert.Contains(t, h.sess.LastError(), "permission denied")
	assert.Len(t, h.surfaced(), 1)
	assert.Equal(t, transport.StateConnected, h.sess.ConnectionState())
	assert.False(t, h.sess.Ended())
}

func TestSession_StreamLossIsReported(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.detector.onError(errors.New("input stream closed"))
	h.sync(t)

	assert.Contains(t, h.sess.LastError(), "input stream closed")
	assert.False(t, h.sess.Ended())
}

func TestSession_FullEventQueueDoesNotStallLoop(t *testing.T) {
	h := newHarness(t, WithEventBuffer(1))
	h.start(t)
	h.control(t, protocol.NewSpeakingStartMessage())

	// Hold the loop so that inbound frames back up behind it.
	entered := make(chan struct{})
	gate := make(chan struct{})
	go func() {
		_ = h.sess.do(func() error {
			close(entered)
			<-gate
			return nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.mock.SimulateAudio(pcm(int16(i + 1)))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.mock.SimulateControl(protocol.NewSpeakingEndMessage(protocol.ReasonComplete))
	}()
	close(gate)

	delivered := make(chan struct{})
	go func() {
		wg.Wait()
		_ = h.sess.do(func() error { return nil })
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop stalled with a full queue")
	}

	assert.Equal(t, StateIdle, h.sess.State())
	h.player.release()
	require.Eventually(t, func() bool { return len(h.player.samples()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestSession_SendText(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.ErrorIs(t, h.sess.SendText("  "), ErrEmptyMessage)

	require.NoError(t, h.sess.SendText("tell me a joke"))
	assert.Equal(t, StateProcessing, h.sess.State())
	assert.Equal(t, []string{"message"}, h.trace.list())

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.sync(t)

	require.NoError(t, h.sess.SendText("never mind"))
	assert.Equal(t, StateProcessing, h.sess.State())
	assert.Equal(t, []string{"message", "stop_playback", "interrupt", "message"}, h.trace.list())
	assert.False(t, h.queue.Active())

	h.speechStart(t)
	assert.ErrorIs(t, h.sess.SendText("hold on"), ErrBusy)

	entries := h.sess.Log()
	require.Len(t, entries, 2)
	assert.Equal(t, "tell me a joke", entries[0].Content)
	assert.Equal(t, "never mind", entries[1].Content)
}

func TestSession_InterruptWhenIdleIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.sess.Interrupt())
	assert.Empty(t, h.trace.list())
	assert.Equal(t, StateIdle, h.sess.State())
}

func TestSession_EndCall(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	var last atomic.Value
	h.sess.OnChange(func(s Snapshot) { last.Store(s) })

	h.control(t, protocol.NewSpeakingStartMessage())
	h.mock.SimulateAudio(pcm(1))
	h.sync(t)

	require.NoError(t, h.sess.EndCall())
	require.NoError(t, h.sess.EndCall())

	assert.True(t, h.sess.Ended())
	assert.Equal(t, StateIdle, h.sess.State())
	assert.Equal(t, 1, h.mock.CloseCalls)
	assert.Equal(t, transport.StateDisconnected, h.mock.State())
	assert.Equal(t, 1, h.recorder.snapshot().releases)
	assert.False(t, h.queue.Active())

	d := h.sess.Duration()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, d, h.sess.Duration(), "the clock stops at the end of the call")

	snap := last.Load().(Snapshot)
	assert.True(t, snap.Ended)

	assert.ErrorIs(t, h.sess.SendText("hello"), ErrEnded)
	assert.ErrorIs(t, h.sess.Start(context.Background()), ErrEnded)
	assert.ErrorIs(t, h.sess.Reconnect(context.Background()), ErrEnded)

	// Late transport callbacks are ignored.
	h.mock.SimulateControl(protocol.NewSpeakingStartMessage())
	assert.Equal(t, StateIdle, h.sess.State())
}

func TestSession_EndCallBeforeStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.EndCall())
	assert.True(t, h.sess.Ended())
	assert.Zero(t, h.sess.Duration())
}

func TestSession_TickerPublishesSnapshots(t *testing.T) {
	h := newHarness(t, WithTickInterval(10*time.Millisecond))

	var ticks atomic.Int32
	h.sess.OnChange(func(Snapshot) { ticks.Add(1) })
	h.start(t)

	require.Eventually(t, func() bool { return ticks.Load() >= 5 }, time.Second, 5*time.Millisecond)
}

func TestSnapshot_JSON(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.control(t, protocol.NewSpeakingStartMessage())

	data, err := json.Marshal(h.sess.Snapshot())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "speaking", got["state"])
	assert.Equal(t, "connected", got["connection"])
	assert.Equal(t, h.sess.ID(), got["id"])
	assert.Contains(t, got, "duration_ms")
	assert.NotContains(t, got, "error")
}
