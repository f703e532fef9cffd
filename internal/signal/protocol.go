package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/domain"
)

// handleSelectProtocol picks the transport dialect. Every branch of the
// closed protocol set is handled; an unrecognized string falls through to
// the legacy plain path, which is what five years of clients expect.
func (ctl *Controller) handleSelectProtocol(s *Session, d json.RawMessage) {
	if s.fsm.Is(StateConnected) || s.fsm.Is(StateResuming) {
		ctl.closeSession(s, CloseNotAuthenticated)
		return
	}

	var p SelectProtocolPayload
	if err := json.Unmarshal(d, &p); err != nil {
		ctl.closeSession(s, CloseDecodeError)
		return
	}

	proto, err := domain.ParseTransportProtocol(p.Protocol)
	if err != nil {
		log.Info().
			Str("module", "signal").
			Str("sid", string(s.ID)).
			Str("protocol", p.Protocol).
			Msg("unrecognized protocol, taking legacy path")
	}

	switch proto {
	case domain.ProtocolWebRTC:
		ctl.selectWebRTC(s, p)
	case domain.ProtocolWebRTCP2P:
		ctl.selectP2P(s)
	case domain.ProtocolPlain:
		ctl.selectPlain(s, p)
	}
}

// selectWebRTC hands the truncated client SDP to the delegate and returns
// the truncated answer. The minted key keeps the UDP path usable as a
// fallback for audio-only clients that reuse it.
func (ctl *Controller) selectWebRTC(s *Session, p SelectProtocolPayload) {
	client := s.Client()
	if client == nil {
		ctl.closeSession(s, CloseNotAuthenticated)
		return
	}

	answer, err := ctl.Delegate.Answer(client, p.SDP)
	if err != nil {
		// Voice unavailable for this attempt; the room and every other
		// session stay up.
		log.Error().Err(err).
			Str("module", "signal").
			Str("sid", string(s.ID)).
			Msg("offer/answer failed")
		return
	}

	key := newSecretKey()
	ctl.Relay.Table().RegisterKey(s.SSRCs().Audio, key, s.Room(), s.User())

	s.setProtocol(domain.ProtocolWebRTC)
	_ = s.fsm.Event(context.Background(), eventNegotiate)

	ctl.sendOp(s, OpSessionDescription, SessionDescriptionPayload{
		SDP:        answer,
		AudioCodec: "opus",
		VideoCodec: "H264",
		Mode:       "xsalsa20_poly1305",
		SecretKey:  keyToInts(key),
	})
}

// selectP2P replies with the peers currently in the room; no SFU resources
// are touched. Media negotiation continues peer to peer over ICE_CANDIDATE.
func (ctl *Controller) selectP2P(s *Session) {
	peers := make([]domain.UserID, 0, 8)
	for _, snap := range ctl.Registry.MembersOfRoom(s.Room()) {
		if snap.SID == s.ID {
			continue
		}
		peers = append(peers, snap.Session.User())
	}

	s.setProtocol(domain.ProtocolWebRTCP2P)
	_ = s.fsm.Event(context.Background(), eventNegotiate)

	ctl.sendOp(s, OpSessionDescription, SessionDescriptionPayload{
		Mode:  "p2p",
		Peers: peers,
	})
}

// selectPlain mints a symmetric key and registers it with the UDP relay.
func (ctl *Controller) selectPlain(s *Session, p SelectProtocolPayload) {
	mode := "xsalsa20_poly1305"
	if len(p.Data) > 0 {
		var pd ProtocolData
		// Only modes advertised in READY are accepted; anything else keeps
		// the default.
		if err := json.Unmarshal(p.Data, &pd); err == nil && validCipherMode(pd.Mode) {
			mode = pd.Mode
		}
	}

	key := newSecretKey()
	ctl.Relay.Table().RegisterKey(s.SSRCs().Audio, key, s.Room(), s.User())

	s.setProtocol(domain.ProtocolPlain)
	_ = s.fsm.Event(context.Background(), eventNegotiate)

	ctl.sendOp(s, OpSessionDescription, SessionDescriptionPayload{
		Mode:      mode,
		SecretKey: keyToInts(key),
	})
}

// handleICECandidate relays a candidate between two sessions that both
// chose webrtc-p2p, rewriting user_id to the sender. Anything else is
// dropped, not an error: candidates race protocol selection routinely.
func (ctl *Controller) handleICECandidate(s *Session, d json.RawMessage) {
	if !s.ProtocolChosen() || s.Protocol() != domain.ProtocolWebRTCP2P {
		return
	}

	var p ICECandidatePayload
	if err := json.Unmarshal(d, &p); err != nil {
		return
	}

	target, ok := ctl.sessionByUser(p.UserID)
	if !ok || target.Room() != s.Room() {
		return
	}
	if !target.ProtocolChosen() || target.Protocol() != domain.ProtocolWebRTCP2P {
		return
	}

	p.UserID = s.User()
	ctl.sendOp(target, OpICECandidate, p)
}
