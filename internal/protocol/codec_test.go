package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// TestEncodeDecode verifies that SDP payloads survive encoding, including the
// CRLF line endings every SDP carries, and that end records carry null.
func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{
			name: "start with offer",
			msg:  Message{Cmd: CmdStart, Payload: strPtr("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"), Peer: "alice"},
		},
		{
			name: "accept with answer",
			msg:  Message{Cmd: CmdAccept, Payload: strPtr("v=0\r\ns=-\r\n"), Peer: "bob"},
		},
		{
			name: "end without payload",
			msg:  Message{Cmd: CmdEnd, Peer: "alice"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)

			got, err := Decode(7, data)
			require.NoError(t, err)

			assert.Equal(t, tc.msg.Cmd, got.Cmd)
			assert.Equal(t, tc.msg.Peer, got.Peer)
			assert.Equal(t, uint64(7), got.Serial)
			assert.Equal(t, tc.msg.Payload, got.Payload)
		})
	}
}

// TestEncodeWireShape pins the on-the-wire field names and the base64 payload.
func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(Message{Cmd: CmdStart, Payload: strPtr("sdp"), Peer: "p1"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "start", raw["cmd"])
	assert.Equal(t, "p1", raw["peer"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("sdp")), raw["payload"])

	data, err = Encode(Message{Cmd: CmdEnd, Peer: "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"end","payload":null,"peer":"p1"}`, string(data))
}

// TestDecodeRejects verifies every class of bad record is classified.
func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{{{`, ErrMalformed},
		{"missing cmd", `{"peer":"p"}`, ErrMalformed},
		{"unknown cmd", `{"cmd":"hold","peer":"p"}`, ErrUnknownCommand},
		{"missing peer", `{"cmd":"end"}`, ErrMalformed},
		{"start without payload", `{"cmd":"start","payload":null,"peer":"p"}`, ErrMalformed},
		{"accept with bad base64", `{"cmd":"accept","payload":"***","peer":"p"}`, ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(1, []byte(tc.data))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeRejectsUnknownCommand(t *testing.T) {
	_, err := Encode(Message{Cmd: "hold", Peer: "p"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestUpdateEnvelope(t *testing.T) {
	rec, err := Encode(Message{Cmd: CmdEnd, Peer: "p"})
	require.NoError(t, err)

	data, err := EncodeUpdate(42, rec)
	require.NoError(t, err)

	u, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), u.Serial)
	assert.JSONEq(t, string(rec), string(u.Payload))

	_, err = DecodeUpdate([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}
