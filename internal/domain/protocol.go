package domain

import "errors"

var ErrUnknownProtocol = errors.New("unknown transport protocol")

// TransportProtocol is the dialect a session negotiates for its media path.
// It is a closed set; every branch point matches all three variants.
type TransportProtocol int

const (
	// ProtocolPlain is the legacy encrypted-UDP path.
	ProtocolPlain TransportProtocol = iota
	// ProtocolWebRTC is the SFU-backed WebRTC path.
	ProtocolWebRTC
	// ProtocolWebRTCP2P exchanges candidates peer to peer, no SFU.
	ProtocolWebRTCP2P
)

func ParseTransportProtocol(s string) (TransportProtocol, error) {
	switch s {
	case "webrtc":
		return ProtocolWebRTC, nil
	case "webrtc-p2p":
		return ProtocolWebRTCP2P, nil
	case "plain", "udp", "":
		// Five years of clients disagree on what to call the legacy path.
		return ProtocolPlain, nil
	default:
		return ProtocolPlain, ErrUnknownProtocol
	}
}

func (p TransportProtocol) String() string {
	switch p {
	case ProtocolWebRTC:
		return "webrtc"
	case ProtocolWebRTCP2P:
		return "webrtc-p2p"
	default:
		return "plain"
	}
}
