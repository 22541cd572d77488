// Package protocol defines the signaling record format exchanged through the
// ordered update channel.
package protocol

import "encoding/json"

// Command identifies the kind of signaling record.
type Command string

const (
	CmdStart  Command = "start"  // carries the caller's offer
	CmdAccept Command = "accept" // carries the callee's answer
	CmdEnd    Command = "end"    // terminates the current attempt, no payload
)

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	switch c {
	case CmdStart, CmdAccept, CmdEnd:
		return true
	}
	return false
}

// Message is a decoded signaling record. Payload holds the raw SDP text for
// start/accept and is nil for end. Serial is assigned by the update channel
// and is zero on outgoing messages.
type Message struct {
	Cmd     Command
	Payload *string
	Peer    string
	Serial  uint64
}

// record is the JSON shape of a signaling record on the wire. The SDP payload
// is base64 encoded (standard alphabet, padded) so it survives hosts that
// mangle line endings.
type record struct {
	Cmd     Command `json:"cmd"`
	Payload *string `json:"payload"`
	Peer    string  `json:"peer"`
}

// Update is the envelope the update channel wraps around each record.
type Update struct {
	Serial  uint64          `json:"serial"`
	Payload json.RawMessage `json:"payload"`
}
