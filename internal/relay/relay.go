// Package relay hosts an ordered update channel over HTTP so two peers can
// signal each other. It assigns contiguous serials and replays history to
// late or reconnecting subscribers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/donovanhide/eventsource"
	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// maxRecordSize bounds one posted record; SDP offers are a few KiB.
const maxRecordSize = 256 * 1024

const sseChannel = "updates"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay. Routes:
//
//	GET  /ws?from=N   WebSocket: Update frames out, raw records in
//	GET  /events      Server-Sent Events, id = serial, honours Last-Event-ID
//	POST /updates     append one record
//	GET  /metrics     Prometheus metrics
type Server struct {
	hub      *signaling.Hub
	sse      *eventsource.Server
	listener net.Listener
	http     *http.Server
}

// NewServer creates a relay backed by hub. A nil hub starts empty.
func NewServer(hub *signaling.Hub) *Server {
	if hub == nil {
		hub = signaling.NewHub()
	}
	s := &Server{hub: hub, sse: eventsource.NewServer()}
	s.sse.Register(sseChannel, repository{hub: hub})
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.sse.Handler(sseChannel))
	mux.HandleFunc("/updates", s.handlePost)
	mux.Handle("/metrics", util.MetricsHandler())
	return mux
}

// Start listens on addr and serves until ctx is cancelled. Returns the bound
// address.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}

	go s.publish(ctx)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("[relay] serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return listener.Addr().String(), nil
}

// Close stops the HTTP server and the event-stream fan-out.
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
	s.sse.Close()
}

// publish forwards every new record to SSE subscribers.
func (s *Server) publish(ctx context.Context) {
	records, _ := s.hub.Endpoint().Listen(ctx, s.hub.Last()+1)
	for rec := range records {
		s.sse.Publish([]string{sseChannel}, newEvent(rec))
	}
}

// append stores a record after checking it is a signaling record at all.
// Unknown commands are relayed; peers decide what to ignore.
func (s *Server) append(data []byte) (uint64, error) {
	if _, err := protocol.Decode(0, data); err != nil && !errors.Is(err, protocol.ErrUnknownCommand) {
		return 0, err
	}
	serial := s.hub.Append(data)
	util.LogDebug("[relay] appended record %d (%d bytes)", serial, len(data))
	return serial, nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRecordSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	serial, err := s.append(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"serial":%d}`, serial)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil || from == 0 {
		from = 1
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxRecordSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer: replay and live records, one goroutine owns all writes.
	go func() {
		defer conn.Close()
		records, _ := s.hub.Endpoint().Listen(ctx, from)
		for rec := range records {
			frame, err := protocol.EncodeUpdate(rec.Serial, rec.Data)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				cancel()
				return
			}
		}
	}()

	// Reader: every text frame is one record.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := s.append(data); err != nil {
			util.LogWarning("[relay] rejected record from %s: %v", r.RemoteAddr, err)
		}
	}
}
