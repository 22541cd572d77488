package media

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// PacketFunc observes every RTP packet read from a remote track.
type PacketFunc func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

// RemoteStream combines the peer's inbound tracks into one stream. Each track
// is drained on its own goroutine, which keeps the receive-side interceptors
// (NACK, reports) running.
type RemoteStream struct {
	onPacket PacketFunc

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

// NewRemoteStream creates an empty stream. onPacket may be nil.
func NewRemoteStream(onPacket PacketFunc) *RemoteStream {
	return &RemoteStream{onPacket: onPacket}
}

// Add joins track to the stream and drains it until the track ends or ctx is
// cancelled.
func (r *RemoteStream) Add(ctx context.Context, track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()

	go r.drain(ctx, track)
}

// Kinds returns the kinds of the tracks joined so far, in arrival order.
func (r *RemoteStream) Kinds() []webrtc.RTPCodecType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]webrtc.RTPCodecType, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = t.Kind()
	}
	return out
}

func (r *RemoteStream) drain(ctx context.Context, track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("[media] remote %s track ended: %v", kind, err)
			}
			return
		}
		util.Stats.AddMediaRecv(len(pkt.Payload))
		if r.onPacket != nil {
			r.onPacket(kind, pkt)
		}
	}
}
