package call

import "time"

// State is the conversational phase of a call.
type State int

const (
	// StateIdle means nobody is talking.
	StateIdle State = iota
	// StateListening means the user is speaking and audio is being recorded.
	StateListening
	// StateProcessing means an utterance was sent and a response is awaited.
	StateProcessing
	// StateSpeaking means the backend is streaming synthesized speech.
	StateSpeaking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role identifies who said a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one turn of the conversation log.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// Snapshot is a point-in-time view of a session for UI collaborators.
type Snapshot struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Connection string        `json:"connection"`
	Muted      bool          `json:"muted"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Level      float64       `json:"level"`
	Emotion    string        `json:"emotion,omitempty"`
	Error      string        `json:"error,omitempty"`
	Entries    int           `json:"entries"`
	Ended      bool          `json:"ended"`
}
