package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

// reconnectDelay is the pause between WebSocket reconnect attempts.
const reconnectDelay = time.Second

// WS is an Adapter that talks to a relay over one WebSocket. Outgoing records
// are written as text frames; incoming frames are protocol.Update envelopes.
// A dropped connection is redialled from the last delivered serial.
type WS struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWS creates a WebSocket adapter for the relay endpoint at rawURL
// (e.g. ws://127.0.0.1:8080/ws).
func NewWS(rawURL string) *WS {
	return &WS{url: rawURL}
}

// Send writes one record on the current connection, guarded by a mutex.
func (w *WS) Send(ctx context.Context, record []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.TextMessage, record)
}

// Listen dials the relay and streams records with serial >= from. The first
// dial must succeed; later drops are retried until ctx is cancelled.
func (w *WS) Listen(ctx context.Context, from uint64) (<-chan Record, error) {
	conn, err := w.dial(ctx, from)
	if err != nil {
		return nil, err
	}

	out := make(chan Record)
	go func() {
		defer close(out)

		next := from
		for {
			next = w.read(ctx, conn, next, out)
			w.setConn(nil)
			conn.Close()

			for {
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
					return
				}
				if conn, err = w.dial(ctx, next); err == nil {
					break
				}
				util.LogDebug("[signaling] reconnect failed: %v", err)
			}
		}
	}()

	// Close the connection on cancellation to unblock the read loop.
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
		}
		w.mu.Unlock()
	}()

	return out, nil
}

// read forwards frames until the connection fails and returns the next
// serial still owed to the caller.
func (w *WS) read(ctx context.Context, conn *websocket.Conn, next uint64, out chan<- Record) uint64 {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				util.LogWarning("[signaling] WebSocket read failed: %v", err)
			}
			return next
		}

		u, err := protocol.DecodeUpdate(data)
		if err != nil {
			util.LogWarning("[signaling] ignoring frame: %v", err)
			continue
		}

		select {
		case out <- Record{Serial: u.Serial, Data: u.Payload}:
			if u.Serial >= next {
				next = u.Serial + 1
			}
		case <-ctx.Done():
			return next
		}
	}
}

func (w *WS) dial(ctx context.Context, from uint64) (*websocket.Conn, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	q := u.Query()
	q.Set("from", strconv.FormatUint(from, 10))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	// Publish under the lock only while ctx is live, so the cancellation
	// watcher in Listen either sees this conn or we close it here.
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	w.conn = conn
	return conn, nil
}

func (w *WS) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}
