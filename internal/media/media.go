// Package media acquires local capture tracks, attaches them to a connection,
// and gathers inbound tracks into one remote stream.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// ErrNoMedia is returned when neither audio+video nor audio alone could be
// acquired. The call cannot proceed.
var ErrNoMedia = errors.New("media: no usable capture device")

// Constraints selects the kinds of media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Audio:
		return "audio-only"
	case c.Video:
		return "video-only"
	}
	return "none"
}

// Source captures local media.
type Source interface {
	// GetUserMedia returns one track per requested kind, or fails as a unit.
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a set of local tracks captured together.
type Stream struct {
	Tracks []webrtc.TrackLocal

	closeOnce sync.Once
	stop      func()
}

// NewStream wraps tracks; stop, if non-nil, runs once on Close.
func NewStream(tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{Tracks: tracks, stop: stop}
}

// HasVideo reports whether the stream carries a video track.
func (s *Stream) HasVideo() bool {
	for _, t := range s.Tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Close releases the capture devices. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Acquire asks src for audio+video and falls back to audio alone. Failing
// both yields an error wrapping ErrNoMedia.
func Acquire(ctx context.Context, src Source) (*Stream, error) {
	var errs []error
	for _, c := range []Constraints{{Audio: true, Video: true}, {Audio: true}} {
		stream, err := src.GetUserMedia(ctx, c)
		if err == nil {
			util.LogDebug("[media] acquired %s (%d track(s))", c, len(stream.Tracks))
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		util.LogWarning("[media] GetUserMedia (%s) failed: %v", c, err)
		errs = append(errs, fmt.Errorf("%s: %w", c, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoMedia, errors.Join(errs...))
}

// Conn is the part of a connection media is attached to.
type Conn interface {
	AttachTrack(track webrtc.TrackLocal) error
	ForceSendRecv() error
}

// Attach sends every track of s on conn. When the connection was negotiated
// with placeholder transceivers (lazy attach), the transceivers are then
// forced to sendrecv; skipping that step leaves the remote peer without our
// media.
func Attach(conn Conn, s *Stream, lazy bool) error {
	for _, track := range s.Tracks {
		if err := conn.AttachTrack(track); err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	if lazy {
		if err := conn.ForceSendRecv(); err != nil {
			return fmt.Errorf("force sendrecv: %w", err)
		}
	}
	return nil
}
