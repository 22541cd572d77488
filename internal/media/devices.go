//go:build mediadevices

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// Devices captures the local camera and microphone through pion/mediadevices,
// encoding VP8 and Opus.
type Devices struct {
	codecSelector *mediadevices.CodecSelector
}

// NewDeviceSource returns a Source backed by the host's capture devices.
func NewDeviceSource() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		util.LogDebug("[media] device kind=%v label=%q", d.Kind, d.Label)
	}

	return &Devices{codecSelector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (d *Devices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras yield frames the
			// VP8 encoder chokes on.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	captured := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(captured))
	for _, t := range captured {
		t.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("[media] local %s track ended: %v", t.Kind(), err)
			}
		})
		tracks = append(tracks, t)
	}

	return NewStream(tracks, func() {
		for _, t := range captured {
			t.Close()
		}
	}), nil
}
