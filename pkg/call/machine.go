package call

// EventKind identifies an input to the state machine.
type EventKind int

const (
	// EventSpeechStart: the detector heard the user start speaking.
	EventSpeechStart EventKind = iota
	// EventSpeechEnd: the detector heard the user stop.
	EventSpeechEnd
	// EventFlushDiscarded: the utterance was too small and was not sent.
	EventFlushDiscarded
	// EventSpeakingStart: the backend opened an audio bracket.
	EventSpeakingStart
	// EventSpeakingEnd: the backend closed an audio bracket.
	EventSpeakingEnd
	// EventTranscriptEmpty: the backend recognized no speech.
	EventTranscriptEmpty
	// EventResponseTimeout: no response arrived in time.
	EventResponseTimeout
	// EventError: a backend error message or a connection failure.
	EventError
	// EventDisconnected: the connection dropped and is being re-established.
	EventDisconnected
	// EventInterrupt: the user explicitly stopped the assistant.
	EventInterrupt
	// EventText: the user sent a text-only turn.
	EventText
	// EventMute: the microphone was muted.
	EventMute
)

var eventNames = [...]string{
	EventSpeechStart:     "speech_start",
	EventSpeechEnd:       "speech_end",
	EventFlushDiscarded:  "flush_discarded",
	EventSpeakingStart:   "speaking_start",
	EventSpeakingEnd:     "speaking_end",
	EventTranscriptEmpty: "transcript_empty",
	EventResponseTimeout: "response_timeout",
	EventError:           "error",
	EventDisconnected:    "disconnected",
	EventInterrupt:       "interrupt",
	EventText:            "text",
	EventMute:            "mute",
}

// String returns the event name.
func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is an input to Transition.
type Event struct {
	Kind EventKind

	// PlaybackActive is set when local audio is still playing or queued,
	// which can outlast the backend's speaking bracket.
	PlaybackActive bool

	// Text is the content of an EventText. Transition ignores it.
	Text string
}

// Effect is a side effect the session performs around a transition.
type Effect int

const (
	EffectStopPlayback Effect = iota
	EffectSendInterrupt
	EffectStartRecording
	EffectSendUserSpeaking
	EffectFlushCapture
	EffectDiscardCapture
	EffectSendText
)

var effectNames = [...]string{
	EffectStopPlayback:     "stop_playback",
	EffectSendInterrupt:    "send_interrupt",
	EffectStartRecording:   "start_recording",
	EffectSendUserSpeaking: "send_user_speaking",
	EffectFlushCapture:     "flush_capture",
	EffectDiscardCapture:   "discard_capture",
	EffectSendText:         "send_text",
}

// String returns the effect name.
func (e Effect) String() string {
	if e >= 0 && int(e) < len(effectNames) {
		return effectNames[e]
	}
	return "unknown"
}

// Plan is the outcome of a transition. Before effects run, then Next is
// committed, then After effects run.
type Plan struct {
	Next   State
	Before []Effect
	After  []Effect

	// Accepted is false when the event does not apply in the current state.
	// The plan is then a no-op.
	Accepted bool
}

// Has reports whether the plan performs effect e.
func (p Plan) Has(e Effect) bool {
	for _, x := range p.Before {
		if x == e {
			return true
		}
	}
	for _, x := range p.After {
		if x == e {
			return true
		}
	}
	return false
}

func ignore(s State) Plan {
	return Plan{Next: s}
}

func move(next State, before, after []Effect) Plan {
	return Plan{Next: next, Before: before, After: after, Accepted: true}
}

// Transition computes the next state and its effects. It has no side
// effects; the session executes the plan.
func Transition(s State, ev Event) Plan {
	switch ev.Kind {
	case EventSpeechStart:
		switch {
		case s == StateSpeaking || s == StateProcessing || (s == StateIdle && ev.PlaybackActive):
			// Local audio stops before anything goes over the network.
			return move(StateListening,
				[]Effect{EffectStopPlayback},
				[]Effect{EffectSendInterrupt, EffectStartRecording, EffectSendUserSpeaking})
		case s == StateIdle:
			return move(StateListening, nil,
				[]Effect{EffectStartRecording, EffectSendUserSpeaking})
		}

	case EventSpeechEnd:
		if s == StateListening {
			return move(StateProcessing, nil, []Effect{EffectFlushCapture})
		}

	case EventFlushDiscarded:
		if s == StateProcessing {
			return move(StateIdle, nil, nil)
		}

	case EventSpeakingStart:
		if s == StateProcessing || s == StateIdle {
			return move(StateSpeaking, nil, nil)
		}

	case EventSpeakingEnd:
		// A late speaking_end after a local interrupt finds the session
		// listening or idle and changes nothing.
		if s == StateProcessing || s == StateSpeaking {
			return move(StateIdle, nil, nil)
		}

	case EventTranscriptEmpty, EventResponseTimeout:
		if s == StateProcessing {
			return move(StateIdle, nil, nil)
		}

	case EventError, EventDisconnected:
		if s == StateListening {
			return move(StateIdle, []Effect{EffectDiscardCapture}, nil)
		}
		return move(StateIdle, nil, nil)

	case EventInterrupt:
		if s == StateSpeaking || s == StateProcessing || (s == StateIdle && ev.PlaybackActive) {
			return move(StateIdle,
				[]Effect{EffectStopPlayback},
				[]Effect{EffectSendInterrupt})
		}

	case EventText:
		switch {
		case s == StateSpeaking || ev.PlaybackActive && s != StateListening:
			return move(StateProcessing,
				[]Effect{EffectStopPlayback},
				[]Effect{EffectSendInterrupt, EffectSendText})
		case s == StateIdle || s == StateProcessing:
			return move(StateProcessing, nil, []Effect{EffectSendText})
		}

	case EventMute:
		if s == StateListening {
			return move(StateIdle, []Effect{EffectDiscardCapture}, nil)
		}
	}
	return ignore(s)
}
