package transport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaLine is one m= section of a description.
type MediaLine struct {
	Kind      string // audio, video, application
	Direction string // sendrecv, sendonly, recvonly, inactive; empty for application
}

// Summary is a compact view of a session description for logs and checks.
type Summary struct {
	Media      []MediaLine
	Candidates map[string]int // candidate count by type (host, srflx, prflx, relay)
}

// Summarize parses raw SDP and extracts its media lines and candidate counts.
func Summarize(raw string) (Summary, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return Summary{}, fmt.Errorf("parse sdp: %w", err)
	}

	sum := Summary{Candidates: make(map[string]int)}
	for _, md := range desc.MediaDescriptions {
		line := MediaLine{Kind: md.MediaName.Media}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case sdp.AttrKeySendRecv, sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeyInactive:
				line.Direction = attr.Key
			case sdp.AttrKeyCandidate:
				if typ := candidateType(attr.Value); typ != "" {
					sum.Candidates[typ]++
				}
			}
		}
		sum.Media = append(sum.Media, line)
	}
	return sum, nil
}

// candidateType returns the value following "typ" in a candidate attribute.
func candidateType(value string) string {
	fields := strings.Fields(value)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			return fields[i+1]
		}
	}
	return ""
}

// Direction returns the direction of the first m= line of kind, or "".
func (s Summary) Direction(kind string) string {
	for _, m := range s.Media {
		if m.Kind == kind {
			return m.Direction
		}
	}
	return ""
}

func (s Summary) String() string {
	parts := make([]string, 0, len(s.Media)+1)
	for _, m := range s.Media {
		if m.Direction == "" {
			parts = append(parts, m.Kind)
		} else {
			parts = append(parts, m.Kind+"/"+m.Direction)
		}
	}

	types := make([]string, 0, len(s.Candidates))
	for typ := range s.Candidates {
		types = append(types, typ)
	}
	sort.Strings(types)

	cands := make([]string, 0, len(types))
	for _, typ := range types {
		cands = append(cands, fmt.Sprintf("%s=%d", typ, s.Candidates[typ]))
	}
	if len(cands) == 0 {
		cands = append(cands, "none")
	}

	return fmt.Sprintf("media[%s] candidates[%s]", strings.Join(parts, " "), strings.Join(cands, " "))
}
