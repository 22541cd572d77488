// Package trickle moves ICE candidates over the connection's own data
// channel. Candidates gathered before the channel opens are held in a Buffer
// and flushed once, in discovery order, when it opens.
package trickle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// endOfCandidates is the wire form of the end-of-candidates marker.
const endOfCandidates = "null"

// Envelope wraps one candidate. A nil Candidate is the end-of-candidates
// marker.
type Envelope struct {
	Candidate *webrtc.ICECandidateInit
}

// EndOfCandidates reports whether e is the end-of-candidates marker.
func (e Envelope) EndOfCandidates() bool {
	return e.Candidate == nil
}

// Encode serializes e as the JSON candidate, or the literal null.
func Encode(e Envelope) (string, error) {
	if e.Candidate == nil {
		return endOfCandidates, nil
	}
	data, err := json.Marshal(e.Candidate)
	if err != nil {
		return "", fmt.Errorf("encode candidate: %w", err)
	}
	return string(data), nil
}

// ErrMalformed is returned for trickle messages that are neither a candidate
// nor the end-of-candidates marker.
var ErrMalformed = errors.New("malformed trickle message")

// Decode parses one trickle message.
func Decode(text string) (Envelope, error) {
	if text == endOfCandidates {
		return Envelope{}, nil
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Candidate == "" {
		return Envelope{}, fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	return Envelope{Candidate: &c}, nil
}
