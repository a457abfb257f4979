package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chitchat/internal/util"
)

// ChannelLabel names the single chat data channel.
const ChannelLabel = "chat"

// DefaultICEServers is used when no ICE configuration is supplied.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// APIOptions tunes the pion API shared by every Engine.
type APIOptions struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
}

// NewAPI builds a pion API whose internal logs go through the pterm logger.
func NewAPI(opts APIOptions) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection with the given ICE servers.
func newPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if api == nil {
		api = NewAPI(APIOptions{})
	}
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// newDataChannel creates the ordered, reliable chat channel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	return pc.CreateDataChannel(ChannelLabel, nil)
}
