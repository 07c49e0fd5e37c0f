package realtime

import (
	"sync"
	"sync/atomic"

	v1 "adkgw/shared/contracts/chat/v1"
)

// Client represents one connected websocket.
//
// Send is never closed by the server; done signals goroutines to stop.
// At most one chat turn runs per connection.
type Client struct {
	ConnectionID string
	Send         chan v1.Envelope

	tenant atomic.Pointer[string]
	busy   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Tenant returns the authenticated tenant, if the handshake completed.
func (c *Client) Tenant() (string, bool) {
	t := c.tenant.Load()
	if t == nil {
		return "", false
	}
	return *t, true
}

func (c *Client) setTenant(t string) { c.tenant.Store(&t) }

// acquireTurn marks the connection busy. It reports false when a turn is
// already running.
func (c *Client) acquireTurn() bool { return c.busy.CompareAndSwap(false, true) }

func (c *Client) releaseTurn() { c.busy.Store(false) }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
