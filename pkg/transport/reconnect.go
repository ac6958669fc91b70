package transport

import (
	"context"
	"errors"
	"time"
)

// startReconnect begins the reconnection sequence unless one is running
// or the client was closed.
func (c *Client) startReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting || c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed || ctx.Err() != nil {
			c.abortReconnectLocked(ctx)
			return
		}
		if c.attempts >= c.config.ReconnectAttempts {
			attempts := c.attempts
			c.endReconnectLocked(ctx)
			c.mu.Unlock()

			c.logger.Error("giving up on reconnection", "attempts", attempts)
			c.setState(StateError)
			c.emitError(ErrReconnectExhausted)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.reconnects.Add(1)
		c.setState(StateConnecting)
		c.logger.Info("reconnecting",
			"attempt", attempt,
			"max", c.config.ReconnectAttempts,
			"delay", c.config.ReconnectDelay,
		)

		timer := time.NewTimer(c.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.abortReconnectLocked(ctx)
			return
		case <-timer.C:
		}

		// dial clears the reconnecting flag once a connection is published.
		err := c.dial(ctx, ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			c.mu.Lock()
			c.abortReconnectLocked(ctx)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// endReconnectLocked clears the flag if ctx is still the current run.
func (c *Client) endReconnectLocked(ctx context.Context) {
	if c.runCtx == ctx {
		c.reconnecting = false
	}
}

// abortReconnectLocked ends the loop after Close and unlocks c.mu. The loop
// may have published a connecting state after Close ran, so it is reset.
func (c *Client) abortReconnectLocked(ctx context.Context) {
	c.endReconnectLocked(ctx)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.setState(StateDisconnected)
	}
}
