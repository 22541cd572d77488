package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrDeviceNotFound is returned by Synthetic when a kind it does not offer is
// requested.
var ErrDeviceNotFound = errors.New("media: requested device not found")

// opusSilence is an Opus frame (TOC 0xf8: CELT fullband 20ms) that decodes to
// silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Synthetic is a Source without hardware. Audio is a continuous stream of
// silent Opus frames; video, when offered, is a VP8 track that carries no
// frames. Useful for headless peers and tests.
type Synthetic struct {
	NoVideo bool // behave like a host without a camera
	NoAudio bool // behave like a host without a microphone
}

func (s Synthetic) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if (c.Video && s.NoVideo) || (c.Audio && s.NoAudio) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, c)
	}

	streamID := "peercall-" + uuid.NewString()
	var tracks []webrtc.TrackLocal

	var audio *webrtc.TrackLocalStaticSample
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, err
		}
		audio = t
		tracks = append(tracks, t)
	}

	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	wCtx, cancel := context.WithCancel(context.Background())
	if audio != nil {
		go writeSilence(wCtx, audio)
	}
	return NewStream(tracks, cancel), nil
}

// writeSilence paces silent Opus frames onto track until ctx ends. Writes
// before the track is bound are dropped by pion.
func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
