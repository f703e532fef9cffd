// Package rtc wraps a pion PeerConnection as the per-client media transport
// the SFU delegate hands out.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/core"
)

type Transport struct {
	pc  *webrtc.PeerConnection
	sid core.SessionID

	connected chan struct{}
	connOnce  sync.Once

	mu      sync.Mutex
	closed  bool
	onTrack func(*webrtc.TrackRemote)
}

func DefaultConfig() webrtc.Configuration {
	// No STUN: the server sits on a public address and advertises its own
	// host candidate.
	return webrtc.Configuration{}
}

func NewTransport(cfg webrtc.Configuration, sid core.SessionID) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{pc: pc, sid: sid, connected: make(chan struct{})}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.connOnce.Do(func() { close(t.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.Close()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", string(sid)).
			Str("kind", track.Kind().String()).
			Uint32("ssrc", uint32(track.SSRC())).
			Msg("remote track")
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return t, nil
}

func (t *Transport) ApplyOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return t.pc.LocalDescription(), nil
}

func (t *Transport) Connected() <-chan struct{} { return t.connected }

func (t *Transport) OnTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) AddTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

func (t *Transport) RemoveTrack(sender *webrtc.RTPSender) error {
	return t.pc.RemoveTrack(sender)
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(t.sid)).Msg("close error")
	}
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
