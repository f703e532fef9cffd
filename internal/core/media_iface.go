package core

import "github.com/pion/webrtc/v4"

// MediaTransport is the per-client transport capability of the media engine.
// The pion-backed implementation lives in internal/rtc; tests substitute
// their own.
type MediaTransport interface {
	// ApplyOffer sets the remote offer, waits for ICE gathering and returns
	// the full local answer.
	ApplyOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// Connected is closed once the DTLS handshake has completed.
	Connected() <-chan struct{}
	// OnTrack sets the callback invoked when a remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote))
	// AddTrack attaches a local static RTP track for a subscription.
	AddTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// RemoveTrack detaches a subscription track.
	RemoveTrack(sender *webrtc.RTPSender) error
	Close()
	IsClosed() bool
}
