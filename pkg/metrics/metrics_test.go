package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-voicecall/pkg/transport"
)

type counters struct{ played, dropped int64 }

func (c *counters) Played() int64  { return c.played }
func (c *counters) Dropped() int64 { return c.dropped }

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordUtterance("sent", 10)
	m.RecordInterrupt("speech")
	m.RecordControl("in", "token")
	m.RecordError("transport")
	m.SetCallState("idle")
	assert.NoError(t, m.ObserveTransport(nil))
	assert.NoError(t, m.ObservePlayback(nil))
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestRecorders(t *testing.T) {
	m := NewWithRegistry("", prometheus.NewRegistry())

	m.RecordUtterance("sent", 4000)
	m.RecordUtterance("discarded", 200)
	m.RecordUtterance("discarded", 150)
	m.RecordInterrupt("speech")
	m.RecordControl("out", "interrupt")
	m.RecordControl("out", "interrupt")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Utterances.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Utterances.WithLabelValues("discarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interrupts.WithLabelValues("speech")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ControlMessages.WithLabelValues("out", "interrupt")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.UtteranceBytes))
}

func TestSetCallState(t *testing.T) {
	m := NewWithRegistry("test", prometheus.NewRegistry())

	m.SetCallState("listening")
	m.SetCallState("speaking")

	assert.Equal(t, 1, testutil.CollectAndCount(m.CallState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallState.WithLabelValues("speaking")))
}

func TestObserveFuncs(t *testing.T) {
	m := NewWithRegistry("test", prometheus.NewRegistry())

	stats := transport.Stats{Reconnects: 3, Malformed: 1}
	require.NoError(t, m.ObserveTransport(func() transport.Stats { return stats }))
	q := &counters{played: 7, dropped: 2}
	require.NoError(t, m.ObservePlayback(q))

	stats.Reconnects = 4
	expected := `
# HELP test_transport_reconnect_attempts_total Reconnection attempts
# TYPE test_transport_reconnect_attempts_total counter
test_transport_reconnect_attempts_total 4
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_transport_reconnect_attempts_total"))

	expected = `
# HELP test_playback_chunks_total Audio chunks by playback result
# TYPE test_playback_chunks_total counter
test_playback_chunks_total{result="dropped"} 2
test_playback_chunks_total{result="played"} 7
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_playback_chunks_total"))

	// Registering twice conflicts.
	assert.Error(t, m.ObservePlayback(q))
}

func TestHandler(t *testing.T) {
	m := New("")
	m.RecordError("transport")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `voicecall_errors_total{kind="transport"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
