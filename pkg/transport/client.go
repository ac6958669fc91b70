// Package transport maintains the duplex connection to the conversation
// backend. JSON control messages and binary audio frames share one
// websocket; the client performs the config handshake on every connect,
// reconnects a bounded number of times after abnormal closes, and sends
// keepalive pings while connected.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-voicecall/pkg/protocol"
)

// Channel is the duplex channel the call engine talks through.
type Channel interface {
	// Connect opens the connection and starts the handshake.
	Connect(ctx context.Context) error

	// Close closes the connection intentionally; no reconnection follows.
	Close() error

	// SendControl writes a control message.
	SendControl(msg *protocol.Message) error

	// SendBinary writes a binary audio frame.
	SendBinary(data []byte) error

	// State returns the connection state.
	State() State

	// OnStateChange sets the callback for connection state changes.
	OnStateChange(fn func(State))

	// OnReady sets the callback fired when the backend acknowledges config.
	OnReady(fn func())

	// OnAudio sets the callback for inbound binary frames.
	OnAudio(fn func(data []byte))

	// OnControl sets the callback for inbound control messages other than
	// config_ok and pong.
	OnControl(fn func(msg *protocol.Message))

	// OnError sets the callback for connection errors.
	OnError(fn func(err error))
}

var _ Channel = (*Client)(nil)

// Client is the websocket implementation of Channel.
type Client struct {
	config *Config
	dialer Dialer
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          int
	connStop     chan struct{}
	readyTimer   *time.Timer
	ready        bool
	closed       bool
	attempts     int
	reconnecting bool
	runCtx       context.Context
	cancel       context.CancelFunc
	connectedAt  time.Time

	writeMu sync.Mutex

	cbMu          sync.RWMutex
	onStateChange func(State)
	onReady       func()
	onAudio       func(data []byte)
	onControl     func(msg *protocol.Message)
	onError       func(err error)

	controlSent     atomic.Int64
	controlReceived atomic.Int64
	binarySent      atomic.Int64
	binaryReceived  atomic.Int64
	malformed       atomic.Int64
	reconnects      atomic.Int64
}

// New creates a new transport client.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	return &Client{
		config: cfg,
		dialer: dialer,
		logger: cfg.Logger.With("component", "transport"),
	}, nil
}

// Connect dials the backend and sends the config handshake. A failed dial
// is returned and also starts the reconnection sequence.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx, c.cancel = runCtx, cancel
	c.closed = false
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("connecting", "url", c.config.URL)

	if err := c.dial(ctx, runCtx); err != nil {
		c.logger.Error("connect failed", "url", c.config.URL, "error", err)
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.emitError(err)
		c.startReconnect(runCtx)
		return err
	}
	return nil
}

// dial opens one connection and starts its goroutines.
func (c *Client) dial(ctx, runCtx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dialer.Dial(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || runCtx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	stop := make(chan struct{})
	c.conn = conn
	c.connStop = stop
	c.ready = false
	c.reconnecting = false
	c.connectedAt = time.Now()
	if c.config.ReadyTimeout > 0 {
		c.readyTimer = time.AfterFunc(c.config.ReadyTimeout, func() {
			c.readyExpired(gen)
		})
	}
	prev, changed := c.swapStateLocked(StateConnected)
	c.mu.Unlock()

	if changed {
		c.notifyState(prev, StateConnected)
	}
	c.logger.Info("connected", "url", c.config.URL)

	go c.readLoop(gen, conn)
	if c.config.PingInterval > 0 {
		go c.keepalive(stop)
	}

	if err := c.SendControl(protocol.NewConfigMessage(c.config.Voice)); err != nil {
		// The read loop sees the same failure and handles the close.
		c.logger.Warn("failed to send config", "error", err)
	}
	return nil
}

// Close closes the connection intentionally. Reconnection is suppressed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.detachLocked()
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info("disconnected")
	}

	c.setState(StateDisconnected)
	return nil
}

// SendControl writes a control message.
func (c *Client) SendControl(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	if err := c.write(TextFrame, data); err != nil {
		return err
	}
	c.controlSent.Add(1)
	c.logger.Debug("sent control message", "type", msg.Type)
	return nil
}

// SendBinary writes a binary audio frame.
func (c *Client) SendBinary(data []byte) error {
	if err := c.write(BinaryFrame, data); err != nil {
		return err
	}
	c.binarySent.Add(1)
	c.logger.Debug("sent binary frame", "bytes", len(data))
	return nil
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		return NewConnectionError("write failed", err, true)
	}
	return nil
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the current connection has been acknowledged.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Stats returns a snapshot of the transport counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	connectedAt := c.connectedAt
	if c.conn == nil {
		connectedAt = time.Time{}
	}
	c.mu.Unlock()

	return Stats{
		ControlSent:     c.controlSent.Load(),
		ControlReceived: c.controlReceived.Load(),
		BinarySent:      c.binarySent.Load(),
		BinaryReceived:  c.binaryReceived.Load(),
		Malformed:       c.malformed.Load(),
		Reconnects:      c.reconnects.Load(),
		ConnectedAt:     connectedAt,
	}
}

func (c *Client) readLoop(gen int, conn Conn) {
	for {
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		switch messageType {
		case BinaryFrame:
			c.binaryReceived.Add(1)
			c.emitAudio(data)
		case TextFrame:
			c.handleText(gen, data)
		}
	}
}

func (c *Client) handleText(gen int, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Warn("ignoring malformed control message", "error", err)
		return
	}
	c.controlReceived.Add(1)

	switch msg.Type {
	case protocol.TypeConfigOK:
		c.markReady(gen)
	case protocol.TypePong:
		c.logger.Debug("received pong")
	default:
		c.logger.Debug("received control message", "type", msg.Type)
		c.emitControl(msg)
	}
}

func (c *Client) markReady(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.attempts = 0
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	c.mu.Unlock()

	c.logger.Info("backend ready")
	c.emitReady()
}

func (c *Client) readyExpired(gen int) {
	c.mu.Lock()
	stale := gen != c.gen || c.ready
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Warn("backend did not acknowledge config", "timeout", c.config.ReadyTimeout)
	c.handleClose(gen, ErrReadyTimeout)
}

// handleClose tears down connection gen and decides whether to reconnect.
func (c *Client) handleClose(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked()
	closed := c.closed
	runCtx := c.runCtx
	c.mu.Unlock()

	conn.Close()

	if closed {
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Info("backend closed the connection")
		c.setState(StateDisconnected)
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	c.setState(StateDisconnected)
	c.emitError(NewConnectionError("connection lost", cause, true))
	c.startReconnect(runCtx)
}

// detachLocked drops the current connection and stops its goroutines.
func (c *Client) detachLocked() Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	c.ready = false
	if c.connStop != nil {
		close(c.connStop)
		c.connStop = nil
	}
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	return conn
}

func (c *Client) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.SendControl(protocol.NewPingMessage()); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}
