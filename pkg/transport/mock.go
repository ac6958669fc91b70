package transport

import (
	"context"
	"sync"

	"github.com/teslashibe/go-voicecall/pkg/protocol"
)

// Mock is a mock implementation of Channel for testing.
type Mock struct {
	mu sync.RWMutex

	// State
	state State

	// Callbacks
	onStateChange func(State)
	onReady       func()
	onAudio       func(data []byte)
	onControl     func(msg *protocol.Message)
	onError       func(err error)

	// AutoReady fires OnReady from Connect, as a backend answering config would.
	AutoReady bool

	// Configurable behavior
	ConnectFunc     func(ctx context.Context) error
	CloseFunc       func() error
	SendControlFunc func(msg *protocol.Message) error
	SendBinaryFunc  func(data []byte) error

	// Captured calls for assertions
	Controls     []*protocol.Message
	Binaries     [][]byte
	ConnectCalls int
	CloseCalls   int
}

var _ Channel = (*Mock)(nil)

// NewMock creates a new Mock channel that becomes ready on Connect.
func NewMock() *Mock {
	return &Mock{AutoReady: true}
}

// Connect implements Channel.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.ConnectCalls++
	m.mu.Unlock()

	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}

	m.SimulateState(StateConnected)
	if m.AutoReady {
		m.SimulateReady()
	}
	return nil
}

// Close implements Channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	m.SimulateState(StateDisconnected)
	return nil
}

// SendControl implements Channel.
func (m *Mock) SendControl(msg *protocol.Message) error {
	if m.SendControlFunc != nil {
		return m.SendControlFunc(msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	m.Controls = append(m.Controls, msg)
	return nil
}

// SendBinary implements Channel.
func (m *Mock) SendBinary(data []byte) error {
	if m.SendBinaryFunc != nil {
		return m.SendBinaryFunc(data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	m.Binaries = append(m.Binaries, data)
	return nil
}

// State implements Channel.
func (m *Mock) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange implements Channel.
func (m *Mock) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnReady implements Channel.
func (m *Mock) OnReady(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReady = fn
}

// OnAudio implements Channel.
func (m *Mock) OnAudio(fn func(data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAudio = fn
}

// OnControl implements Channel.
func (m *Mock) OnControl(fn func(msg *protocol.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onControl = fn
}

// OnError implements Channel.
func (m *Mock) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// SentTypes returns the types of captured control messages in order.
func (m *Mock) SentTypes() []protocol.MessageType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]protocol.MessageType, len(m.Controls))
	for i, msg := range m.Controls {
		types[i] = msg.Type
	}
	return types
}

// SentBinaries returns a copy of the captured binary frames.
func (m *Mock) SentBinaries() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.Binaries...)
}

// Reset clears captured calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Controls = nil
	m.Binaries = nil
}

// Test helpers to simulate events

// SimulateState sets the state and fires OnStateChange if it changed.
func (m *Mock) SimulateState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	fn := m.onStateChange
	m.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// SimulateReady simulates the backend acknowledging config.
func (m *Mock) SimulateReady() {
	m.mu.RLock()
	fn := m.onReady
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateAudio simulates an inbound binary frame.
func (m *Mock) SimulateAudio(data []byte) {
	m.mu.RLock()
	fn := m.onAudio
	m.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

// SimulateControl simulates an inbound control message.
func (m *Mock) SimulateControl(msg *protocol.Message) {
	m.mu.RLock()
	fn := m.onControl
	m.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// SimulateError simulates a connection error.
func (m *Mock) SimulateError(err error) {
	m.mu.RLock()
	fn := m.onError
	m.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
