package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/peercall/internal/protocol"
)

// Client encodes outgoing messages as this peer and serializes writes to the
// adapter.
type Client struct {
	adapter Adapter
	peer    string
	mu      sync.Mutex
}

// NewClient creates a Client that stamps every message with peer.
func NewClient(adapter Adapter, peer string) *Client {
	return &Client{adapter: adapter, peer: peer}
}

// Peer returns the local peer id.
func (c *Client) Peer() string {
	return c.peer
}

// Send encodes and appends one signaling message, guarded by a mutex.
func (c *Client) Send(ctx context.Context, cmd protocol.Command, payload *string) error {
	data, err := protocol.Encode(protocol.Message{Cmd: cmd, Payload: payload, Peer: c.peer})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.adapter.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}
