package transport

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// trickleChannelID is the fixed stream id of the pre-negotiated trickle
// channel. Both peers create it at construction, so neither depends on the
// other announcing it.
const trickleChannelID = 0

// NewAPI builds a pion API with the default codecs, the default interceptors
// (NACK, RTCP reports, TWCC) and relaxed ICE timeouts, so a short relay hiccup
// does not drop the call.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection on api for the given servers.
// relayOnly restricts ICE to TURN candidates.
func newPeerConnection(api *webrtc.API, servers []webrtc.ICEServer, relayOnly bool) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{ICEServers: servers}
	if relayOnly {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return api.NewPeerConnection(config)
}

// newTrickleChannel creates the pre-negotiated, ordered, reliable channel that
// carries ICE candidates once the connection is up.
func newTrickleChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(trickleChannelID)

	return pc.CreateDataChannel("ice", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
