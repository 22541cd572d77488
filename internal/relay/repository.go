package relay

import (
	"strconv"

	"github.com/donovanhide/eventsource"

	"github.com/1ureka/peercall/internal/signaling"
)

// event adapts a record to eventsource.Event.
type event struct {
	serial uint64
	data   []byte
}

func newEvent(rec signaling.Record) event {
	return event{serial: rec.Serial, data: rec.Data}
}

func (e event) Id() string    { return strconv.FormatUint(e.serial, 10) }
func (e event) Event() string { return "update" }
func (e event) Data() string  { return string(e.data) }

// repository replays history to subscribers that send Last-Event-ID.
type repository struct {
	hub *signaling.Hub
}

func (r repository) Replay(channel, id string) chan eventsource.Event {
	out := make(chan eventsource.Event)

	last, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		close(out)
		return out
	}

	recs := r.hub.Since(last + 1)
	go func() {
		defer close(out)
		for _, rec := range recs {
			out <- newEvent(rec)
		}
	}()
	return out
}
