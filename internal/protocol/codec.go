package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for records that cannot be decoded at all.
	ErrMalformed = errors.New("malformed signaling record")

	// ErrUnknownCommand is returned for well-formed records whose cmd is not
	// start, accept or end.
	ErrUnknownCommand = errors.New("unknown signaling command")
)

// Encode serializes msg into a wire record. Serial is not part of the record.
func Encode(msg Message) ([]byte, error) {
	if !msg.Cmd.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Cmd)
	}

	rec := record{Cmd: msg.Cmd, Peer: msg.Peer}
	if msg.Payload != nil {
		enc := base64.StdEncoding.EncodeToString([]byte(*msg.Payload))
		rec.Payload = &enc
	}
	return json.Marshal(rec)
}

// Decode deserializes a wire record delivered at the given serial.
func Decode(serial uint64, data []byte) (Message, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Cmd == "" {
		return Message{}, fmt.Errorf("%w: missing cmd", ErrMalformed)
	}
	if !rec.Cmd.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, rec.Cmd)
	}
	if rec.Peer == "" {
		return Message{}, fmt.Errorf("%w: missing peer", ErrMalformed)
	}

	msg := Message{Cmd: rec.Cmd, Peer: rec.Peer, Serial: serial}

	switch rec.Cmd {
	case CmdStart, CmdAccept:
		if rec.Payload == nil {
			return Message{}, fmt.Errorf("%w: %s without payload", ErrMalformed, rec.Cmd)
		}
		raw, err := base64.StdEncoding.DecodeString(*rec.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		sdp := string(raw)
		msg.Payload = &sdp
	}

	return msg, nil
}

// EncodeUpdate wraps a record in the update envelope.
func EncodeUpdate(serial uint64, rec []byte) ([]byte, error) {
	return json.Marshal(Update{Serial: serial, Payload: rec})
}

// DecodeUpdate unwraps an update envelope.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if u.Serial == 0 {
		return Update{}, fmt.Errorf("%w: envelope without serial", ErrMalformed)
	}
	return u, nil
}
