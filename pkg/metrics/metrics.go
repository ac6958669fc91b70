// Package metrics exposes Prometheus collectors for the call engine.
//
// Counters owned by other components (transport frames, playback chunks)
// are read through CounterFuncs at scrape time rather than mirrored.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teslashibe/go-voicecall/pkg/transport"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "voicecall"

// Metrics holds all Prometheus metrics for one engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	// Utterances counts finished recordings by result (sent, discarded, failed).
	Utterances *prometheus.CounterVec

	// UtteranceBytes observes the size of sent utterances.
	UtteranceBytes prometheus.Histogram

	// Interrupts counts interrupts by source (speech, user, text).
	Interrupts *prometheus.CounterVec

	// ControlMessages counts control messages by direction and type.
	ControlMessages *prometheus.CounterVec

	// Errors counts surfaced errors by kind.
	Errors *prometheus.CounterVec

	// CallState is 1 for the current call state and 0 otherwise.
	CallState *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(namespace, reg)
}

// NewWithRegistry registers the engine metrics on reg.
func NewWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry:  reg,
		namespace: namespace,
		Utterances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "utterances_total",
				Help:      "Finished user utterances by result",
			},
			[]string{"result"},
		),
		UtteranceBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "utterance_bytes",
				Help:      "Size of utterance payloads sent to the backend",
				Buckets:   prometheus.ExponentialBuckets(1000, 2, 10),
			},
		),
		Interrupts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupts_total",
				Help:      "Interrupts of assistant speech by source",
			},
			[]string{"source"},
		),
		ControlMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_messages_total",
				Help:      "Control messages by direction and type",
			},
			[]string{"direction", "type"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors surfaced by the call engine",
			},
			[]string{"kind"},
		),
		CallState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_state",
				Help:      "Current call state (1 for the active state)",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.Utterances,
		m.UtteranceBytes,
		m.Interrupts,
		m.ControlMessages,
		m.Errors,
		m.CallState,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUtterance records a finished recording.
func (m *Metrics) RecordUtterance(result string, bytes int) {
	if m == nil {
		return
	}
	m.Utterances.WithLabelValues(result).Inc()
	if result == "sent" {
		m.UtteranceBytes.Observe(float64(bytes))
	}
}

// RecordInterrupt records an interrupt.
func (m *Metrics) RecordInterrupt(source string) {
	if m == nil {
		return
	}
	m.Interrupts.WithLabelValues(source).Inc()
}

// RecordControl records a control message. direction is "in" or "out".
func (m *Metrics) RecordControl(direction, msgType string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordError records a surfaced error.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// SetCallState marks state as the current call state.
func (m *Metrics) SetCallState(state string) {
	if m == nil {
		return
	}
	m.CallState.Reset()
	m.CallState.WithLabelValues(state).Set(1)
}

// ObserveTransport exports transport counters read from stats at scrape time.
func (m *Metrics) ObserveTransport(stats func() transport.Stats) error {
	if m == nil {
		return nil
	}
	funcs := []struct {
		name, help string
		value      func(transport.Stats) int64
	}{
		{"transport_reconnect_attempts_total", "Reconnection attempts", func(s transport.Stats) int64 { return s.Reconnects }},
		{"transport_control_sent_total", "Control messages written", func(s transport.Stats) int64 { return s.ControlSent }},
		{"transport_control_received_total", "Control messages read", func(s transport.Stats) int64 { return s.ControlReceived }},
		{"transport_binary_sent_total", "Binary frames written", func(s transport.Stats) int64 { return s.BinarySent }},
		{"transport_binary_received_total", "Binary frames read", func(s transport.Stats) int64 { return s.BinaryReceived }},
		{"transport_malformed_total", "Unparseable control messages ignored", func(s transport.Stats) int64 { return s.Malformed }},
	}
	for _, f := range funcs {
		value := f.value
		c := prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: m.namespace, Name: f.name, Help: f.help},
			func() float64 { return float64(value(stats())) },
		)
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// PlaybackCounters is implemented by playback.Queue.
type PlaybackCounters interface {
	Played() int64
	Dropped() int64
}

// ObservePlayback exports playback chunk counters read at scrape time.
func (m *Metrics) ObservePlayback(q PlaybackCounters) error {
	if m == nil {
		return nil
	}
	chunks := []struct {
		result string
		value  func() int64
	}{
		{"played", q.Played},
		{"dropped", q.Dropped},
	}
	for _, c := range chunks {
		value := c.value
		cf := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace:   m.namespace,
				Name:        "playback_chunks_total",
				Help:        "Audio chunks by playback result",
				ConstLabels: prometheus.Labels{"result": c.result},
			},
			func() float64 { return float64(value()) },
		)
		if err := m.registry.Register(cf); err != nil {
			return err
		}
	}
	return nil
}
