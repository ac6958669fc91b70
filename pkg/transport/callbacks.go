package transport

import "github.com/teslashibe/go-voicecall/pkg/protocol"

// OnStateChange sets the callback for connection state changes.
func (c *Client) OnStateChange(fn func(State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStateChange = fn
}

// OnReady sets the callback fired when the backend acknowledges config.
func (c *Client) OnReady(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onReady = fn
}

// OnAudio sets the callback for inbound binary frames.
func (c *Client) OnAudio(fn func(data []byte)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onAudio = fn
}

// OnControl sets the callback for inbound control messages.
func (c *Client) OnControl(fn func(msg *protocol.Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onControl = fn
}

// OnError sets the callback for connection errors.
func (c *Client) OnError(fn func(err error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onError = fn
}

// setState moves to s and notifies. Once Close has run, only
// StateDisconnected is accepted.
func (c *Client) setState(s State) {
	c.mu.Lock()
	prev, changed := c.swapStateLocked(s)
	c.mu.Unlock()
	if changed {
		c.notifyState(prev, s)
	}
}

// swapStateLocked sets the state under c.mu. Callers notify after unlocking.
func (c *Client) swapStateLocked(s State) (State, bool) {
	prev := c.state
	if prev == s || (c.closed && s != StateDisconnected) {
		return prev, false
	}
	c.state = s
	return prev, true
}

// notifyState reports s unless a later change has already superseded it.
func (c *Client) notifyState(prev, s State) {
	c.mu.Lock()
	current := c.state
	c.mu.Unlock()
	if current != s {
		return
	}

	c.logger.Debug("connection state changed", "from", prev, "to", s)

	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) emitReady() {
	c.cbMu.RLock()
	fn := c.onReady
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) emitAudio(data []byte) {
	c.cbMu.RLock()
	fn := c.onAudio
	c.cbMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Client) emitControl(msg *protocol.Message) {
	c.cbMu.RLock()
	fn := c.onControl
	c.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) emitError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
