// Package protocol defines the control messages exchanged with the
// conversation backend. Control messages travel as JSON text frames and are
// interleaved with binary audio frames on the same connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingType is returned when a message has no type tag.
var ErrMissingType = errors.New("protocol: message type is required")

// MessageType identifies the type of control message
type MessageType string

const (
	// Client → Backend messages
	TypeConfig       MessageType = "config"        // Voice settings, sent on every (re)connect
	TypeUserSpeaking MessageType = "user_speaking" // User started an utterance
	TypeInterrupt    MessageType = "interrupt"     // Stop the current response
	TypeText         MessageType = "message"       // Text-only turn

	// Backend → Client messages
	TypeConfigOK      MessageType = "config_ok"      // Handshake accepted
	TypeSpeakingStart MessageType = "speaking_start" // Audio bracket opens
	TypeSpeakingEnd   MessageType = "speaking_end"   // Audio bracket closes
	TypeAudioChunk    MessageType = "audio_chunk"    // Announces a binary frame
	TypeToken         MessageType = "token"          // Incremental response text
	TypeResponseEnd   MessageType = "response_end"   // Response text complete
	TypeTranscript    MessageType = "transcript"     // Recognized user speech
	TypeEmotion       MessageType = "emotion"        // Assistant emotion hint
	TypeError         MessageType = "error"          // Backend error

	// Bidirectional
	TypePing MessageType = "ping" // Keepalive
	TypePong MessageType = "pong" // Keepalive response
)

// Reasons carried by speaking_end.
const (
	ReasonInterrupted = "interrupted"
	ReasonComplete    = "complete"
)

// Message is a tagged control message. Only the fields relevant to Type are
// set; everything else is omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// config
	Voice string `json:"voice,omitempty"`
	Rate  string `json:"rate,omitempty"`
	Pitch string `json:"pitch,omitempty"`

	// message, token
	Content string `json:"content,omitempty"`

	// transcript
	Text string `json:"text,omitempty"`

	// speaking_end
	Reason string `json:"reason,omitempty"`

	// audio_chunk
	Size int `json:"size,omitempty"`

	// emotion; some backends send "value" instead of "emotion"
	Emotion string `json:"emotion,omitempty"`
	Value   string `json:"value,omitempty"`

	// error
	Error string `json:"message,omitempty"`

	Timestamp int64 `json:"ts,omitempty"` // Unix milliseconds
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// EmotionName returns the emotion label regardless of which field carried it.
func (m *Message) EmotionName() string {
	if m.Emotion != "" {
		return m.Emotion
	}
	return m.Value
}

// Interrupted reports whether a speaking_end was caused by an interrupt.
func (m *Message) Interrupted() bool {
	return m.Type == TypeSpeakingEnd && m.Reason == ReasonInterrupted
}

// Inbound reports whether the type is one the backend sends.
func (t MessageType) Inbound() bool {
	switch t {
	case TypeConfigOK, TypePong, TypeSpeakingStart, TypeSpeakingEnd, TypeAudioChunk,
		TypeToken, TypeResponseEnd, TypeTranscript, TypeEmotion, TypeError:
		return true
	}
	return false
}

// Outbound reports whether the type is one the client sends.
func (t MessageType) Outbound() bool {
	switch t {
	case TypeConfig, TypePing, TypeUserSpeaking, TypeInterrupt, TypeText:
		return true
	}
	return false
}
