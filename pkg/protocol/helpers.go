package protocol

// =============================================================================
// Client → Backend
// =============================================================================

// VoiceSettings identifies the synthesized voice requested in the handshake.
type VoiceSettings struct {
	Voice string `yaml:"voice" json:"voice"`
	Rate  string `yaml:"rate" json:"rate"`   // e.g. "+0%"
	Pitch string `yaml:"pitch" json:"pitch"` // e.g. "+0Hz"
}

// NewConfigMessage creates the handshake message
func NewConfigMessage(v VoiceSettings) *Message {
	m := NewMessage(TypeConfig)
	m.Voice, m.Rate, m.Pitch = v.Voice, v.Rate, v.Pitch
	return m
}

// NewPingMessage creates a keepalive ping
func NewPingMessage() *Message {
	return NewMessage(TypePing)
}

// NewUserSpeakingMessage signals the start of a user utterance
func NewUserSpeakingMessage() *Message {
	return NewMessage(TypeUserSpeaking)
}

// NewInterruptMessage asks the backend to stop the current response
func NewInterruptMessage() *Message {
	return NewMessage(TypeInterrupt)
}

// NewTextMessage creates a text-only turn
func NewTextMessage(content string) *Message {
	m := NewMessage(TypeText)
	m.Content = content
	return m
}

// =============================================================================
// Backend → Client
// =============================================================================

// NewConfigOKMessage acknowledges the handshake
func NewConfigOKMessage() *Message {
	return NewMessage(TypeConfigOK)
}

// NewPongMessage answers a ping
func NewPongMessage() *Message {
	return NewMessage(TypePong)
}

// NewSpeakingStartMessage opens an audio bracket
func NewSpeakingStartMessage() *Message {
	return NewMessage(TypeSpeakingStart)
}

// NewSpeakingEndMessage closes an audio bracket
func NewSpeakingEndMessage(reason string) *Message {
	m := NewMessage(TypeSpeakingEnd)
	m.Reason = reason
	return m
}

// NewAudioChunkMessage announces a binary frame of the given size
func NewAudioChunkMessage(size int) *Message {
	m := NewMessage(TypeAudioChunk)
	m.Size = size
	return m
}

// NewTokenMessage carries incremental response text
func NewTokenMessage(content string) *Message {
	m := NewMessage(TypeToken)
	m.Content = content
	return m
}

// NewResponseEndMessage marks the end of the response text
func NewResponseEndMessage() *Message {
	return NewMessage(TypeResponseEnd)
}

// NewTranscriptMessage carries recognized user speech
func NewTranscriptMessage(text string) *Message {
	m := NewMessage(TypeTranscript)
	m.Text = text
	return m
}

// NewEmotionMessage carries an emotion hint
func NewEmotionMessage(emotion string) *Message {
	m := NewMessage(TypeEmotion)
	m.Emotion = emotion
	return m
}

// NewErrorMessage reports a backend error
func NewErrorMessage(message string) *Message {
	m := NewMessage(TypeError)
	m.Error = message
	return m
}
