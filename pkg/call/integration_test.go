package call

import (
	"context"
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
	"github.com/teslashibe/go-voicecall/pkg/vad"
)

// TestSession_EndToEnd drives real detection, capture and playback from a
// scripted microphone against a mock backend.
func TestSession_EndToEnd(t *testing.T) {
	cfg := audioio.DefaultConfig()
	cfg.Backend = audioio.BackendMock
	mic := audioio.NewMockSource(cfg, log.Discard(), audioio.WithManualFeed())
	shared := audioio.NewSharedSource(mic, log.Discard())
	t.Cleanup(func() { shared.Close() })

	detector, err := vad.New(shared,
		vad.WithThreshold(0.02),
		vad.WithMinSpeechDuration(60*time.Millisecond),
		vad.WithSilence(100*time.Millisecond, 60*time.Millisecond),
		vad.WithLogger(log.Discard()),
	)
	require.NoError(t, err)

	enc, err := codec.NewOpusEncoder(cfg.SampleRate, cfg.Channels, 20*time.Millisecond, 24000)
	require.NoError(t, err)

	mock := transport.NewMock()
	recorder, err := capture.New(shared, enc, mock,
		capture.WithMinPayloadBytes(100),
		capture.WithLogger(log.Discard()),
	)
	require.NoError(t, err)

	sink := audioio.NewMockSink(cfg, log.Discard())
	require.NoError(t, sink.Start(context.Background()))
	decoder, err := codec.NewAutoDecoder(cfg.SampleRate, nil)
	require.NoError(t, err)
	queue, err := playback.NewQueue(
		decoder,
		playback.NewSinkPlayer(sink, 20*time.Millisecond),
		playback.WithLogger(log.Discard()),
	)
	require.NoError(t, err)

	sess, err := New(mock, queue, detector, recorder,
		WithVADStartDelay(0),
		WithTickInterval(0),
		WithLogger(log.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.EndCall() })

	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, detector.Running, time.Second, 5*time.Millisecond)

	// Speak until the session is listening, then keep speaking.
	require.Eventually(t, func() bool {
		mic.FeedLevel(0.3)
		return sess.State() == StateListening
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, recorder.IsRecording, time.Second, time.Millisecond)
	for i := 0; i < 30; i++ {
		require.True(t, mic.FeedLevel(0.3))
	}

	// Fall silent until the utterance is sent.
	require.Eventually(t, func() bool {
		mic.FeedLevel(0)
		return sess.State() == StateProcessing
	}, 2*time.Second, time.Millisecond)

	require.Len(t, mock.SentBinaries(), 1)
	packets, err := codec.SplitFrames(mock.SentBinaries()[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(packets), 20)
	assert.Contains(t, mock.SentTypes(), protocol.TypeUserSpeaking)

	// The backend answers with a short WAV clip.
	reply := audioio.LevelChunk(audioio.Config{SampleRate: cfg.SampleRate, Channels: 1, BufferDuration: 100 * time.Millisecond}, 0.2)
	mock.SimulateControl(protocol.NewTranscriptMessage("hello there"))
	mock.SimulateControl(protocol.NewSpeakingStartMessage())
	mock.SimulateAudio(codec.EncodeWAV(reply))
	mock.SimulateControl(protocol.NewTokenMessage("Hi!"))
	mock.SimulateControl(protocol.NewResponseEndMessage())
	mock.SimulateControl(protocol.NewSpeakingEndMessage(protocol.ReasonComplete))

	require.Eventually(t, func() bool {
		return sess.State() == StateIdle && !queue.Active()
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, sink.ChunksWritten())
	assert.EqualValues(t, 1, queue.Played())

	entries := sess.Log()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello there", entries[0].Content)
	assert.Equal(t, "Hi!", entries[1].Content)

	require.NoError(t, sess.EndCall())
	assert.False(t, shared.Acquired(), "the microphone is released at the end of the call")
	assert.False(t, detector.Running())
}
