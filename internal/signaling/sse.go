package signaling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/donovanhide/eventsource"

	"github.com/1ureka/peercall/internal/util"
)

// SSE is an Adapter that reads the relay's event stream and appends records
// with plain HTTP POSTs. The event id is the serial and the event data is the
// record itself. Reconnects are handled by the eventsource client, which
// resends Last-Event-ID.
type SSE struct {
	base   string
	client *http.Client
}

// NewSSE creates an SSE adapter for the relay at base (e.g. http://127.0.0.1:8080).
// A nil client means http.DefaultClient.
func NewSSE(base string, client *http.Client) *SSE {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSE{base: strings.TrimRight(base, "/"), client: client}
}

func (s *SSE) Send(ctx context.Context, record []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/updates", bytes.NewReader(record))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post update: relay answered %s", resp.Status)
	}
	return nil
}

func (s *SSE) Listen(ctx context.Context, from uint64) (<-chan Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/events", nil)
	if err != nil {
		return nil, err
	}

	lastEventID := ""
	if from > 0 {
		lastEventID = strconv.FormatUint(from-1, 10)
	}
	stream, err := eventsource.SubscribeWithRequest(lastEventID, req)
	if err != nil {
		return nil, fmt.Errorf("subscribe to relay events: %w", err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer stream.Close()

		errs := stream.Errors
		for {
			select {
			case ev, ok := <-stream.Events:
				if !ok {
					return
				}
				serial, err := strconv.ParseUint(ev.Id(), 10, 64)
				if err != nil || serial == 0 {
					util.LogWarning("[signaling] ignoring event with id %q", ev.Id())
					continue
				}
				select {
				case out <- Record{Serial: serial, Data: []byte(ev.Data())}:
				case <-ctx.Done():
					return
				}

			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if ctx.Err() == nil {
					util.LogWarning("[signaling] event stream error: %v", err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
