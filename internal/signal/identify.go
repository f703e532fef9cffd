package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/domain"
)

// handleIdentify runs the full handshake: authenticate against the chat
// gateway, allocate SSRCs, join the room (evicting any prior presence) and
// reply READY.
func (ctl *Controller) handleIdentify(s *Session, d json.RawMessage) {
	if !s.fsm.Is(StateConnected) {
		ctl.closeSession(s, CloseAlreadyAuthenticated)
		return
	}

	var p IdentifyPayload
	if err := json.Unmarshal(d, &p); err != nil {
		ctl.closeSession(s, CloseDecodeError)
		return
	}

	if !ctl.joins.allow(p.UserID) {
		log.Warn().Str("module", "signal").Str("user", string(p.UserID)).Msg("identify: rate limited")
		ctl.closeSession(s, CloseAuthFailed)
		return
	}

	account, ok := ctl.Directory.LookupAccount(p.UserID)
	if !ok || account.Disabled {
		log.Warn().Str("module", "signal").Str("user", string(p.UserID)).Msg("identify: unknown or disabled account")
		ctl.closeSession(s, CloseAuthFailed)
		return
	}
	gw, ok := ctl.Directory.LookupGatewaySession(p.SessionID, p.UserID)
	if !ok {
		log.Warn().Str("module", "signal").Str("user", string(p.UserID)).Msg("identify: no gateway session")
		ctl.closeSession(s, CloseAuthFailed)
		return
	}
	if gw.Token != p.Token {
		log.Warn().Str("module", "signal").Str("user", string(p.UserID)).Msg("identify: token mismatch")
		ctl.closeSession(s, CloseAuthFailed)
		return
	}

	// One voice presence per user: joining elsewhere evicts the prior
	// session.
	if prevSID, ok := ctl.Registry.SIDByUser(p.UserID); ok && prevSID != s.ID {
		if prev, ok := ctl.session(prevSID); ok {
			log.Info().
				Str("module", "signal").
				Str("user", string(p.UserID)).
				Str("evicted_sid", string(prevSID)).
				Msg("evicting prior session")
			ctl.closeSession(prev, CloseDisconnected)
		}
	}

	roomID := p.RoomID()
	ssrcs := ctl.allocSSRCs()

	// Remote SFU capacity is a registry-only extension point today: note the
	// pick, host locally regardless.
	if ctl.Orch != nil {
		if agent, ok := ctl.Orch.PickRandom(); ok {
			log.Debug().
				Str("module", "signal").
				Str("agent", agent.ID).
				Str("room", string(roomID)).
				Msg("remote agent available, hosting locally")
		}
	}

	client := ctl.Delegate.Join(p.UserID, roomID)
	client.SetSSRCs(ssrcs)

	s.bindIdentity(p.UserID, roomID, p.Token, p.SessionID, ssrcs, client)
	if err := s.fsm.Event(context.Background(), eventIdentify); err != nil {
		// Lost a race with a concurrent close; release what Join took.
		ctl.Delegate.Leave(client)
		return
	}
	ctl.Registry.Bind(s.ID, roomID, s, s.cancel)

	ctl.sendOp(s, OpReady, ReadyPayload{
		SSRC:  ssrcs.Audio,
		IP:    ctl.Cfg.PublicIP,
		Port:  ctl.Relay.Port(),
		Modes: CipherModes(),
	})
	ctl.primeSpeaking(s, roomID)
}

// primeSpeaking tells a newcomer who is already talking; everyone else
// learned it from the live SPEAKING fan-out.
func (ctl *Controller) primeSpeaking(s *Session, room domain.RoomID) {
	for _, snap := range ctl.Registry.MembersOfRoom(room) {
		if snap.SID == s.ID {
			continue
		}
		peer, ok := ctl.session(snap.SID)
		if !ok || !peer.Speaking() {
			continue
		}
		ctl.sendOp(s, OpSpeaking, SpeakingPayload{
			UserID:   peer.User(),
			Speaking: true,
			SSRC:     peer.SSRCs().Audio,
		})
	}
}

// handleResume re-attaches without the full handshake. A session may resume
// at most once; everything about the claim has to line up or the socket
// closes as invalid.
func (ctl *Controller) handleResume(s *Session, d json.RawMessage) {
	if !s.fsm.Is(StateConnected) {
		ctl.closeSession(s, CloseAlreadyAuthenticated)
		return
	}

	var p ResumePayload
	if err := json.Unmarshal(d, &p); err != nil {
		ctl.closeSession(s, CloseDecodeError)
		return
	}
	if p.Token == "" || p.SessionID == "" {
		ctl.closeSession(s, CloseSessionInvalid)
		return
	}
	if !s.markResumed() {
		ctl.closeSession(s, CloseSessionInvalid)
		return
	}

	gw, ok := ctl.Directory.LookupGatewaySessionByID(p.SessionID)
	if !ok || gw.Token != p.Token {
		ctl.closeSession(s, CloseSessionInvalid)
		return
	}

	if err := s.fsm.Event(context.Background(), eventResume); err != nil {
		return
	}

	// Evict any session the user still holds, then rebuild state the way
	// IDENTIFY would have.
	if prevSID, ok := ctl.Registry.SIDByUser(gw.UserID); ok && prevSID != s.ID {
		if prev, ok := ctl.session(prevSID); ok {
			ctl.closeSession(prev, CloseDisconnected)
		}
	}

	roomID := domain.RoomID(p.ServerID)
	ssrcs := ctl.allocSSRCs()
	client := ctl.Delegate.Join(gw.UserID, roomID)
	client.SetSSRCs(ssrcs)

	s.bindIdentity(gw.UserID, roomID, p.Token, p.SessionID, ssrcs, client)
	if err := s.fsm.Event(context.Background(), eventResumed); err != nil {
		ctl.Delegate.Leave(client)
		return
	}
	ctl.Registry.Bind(s.ID, roomID, s, s.cancel)

	ctl.sendOp(s, OpResumed, struct{}{})
	ctl.primeSpeaking(s, roomID)
}
