package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/sfu"
)

// handleSpeaking fans the indicator out to every other session in the room.
// The SSRC in the outgoing notice is always the server-allocated one, not
// whatever the client claimed.
func (ctl *Controller) handleSpeaking(s *Session, d json.RawMessage) {
	if s.Room() == "" {
		ctl.closeSession(s, CloseNotAuthenticated)
		return
	}

	var p SpeakingPayload
	if err := json.Unmarshal(d, &p); err != nil {
		return
	}

	s.setSpeaking(p.Speaking)
	ctl.broadcastRoom(s.Room(), s.ID, OpSpeaking, SpeakingPayload{
		UserID:   s.User(),
		Speaking: p.Speaking,
		SSRC:     s.SSRCs().Audio,
	})
}

// handleSSRCUpdate toggles publish state per media kind: a non-zero SSRC
// publishes, zero unpublishes. On the SFU path the mapping notices go out
// through the delegate's notifier once each subscription has resolved; the
// legacy paths broadcast the mapping directly.
func (ctl *Controller) handleSSRCUpdate(s *Session, d json.RawMessage) {
	if s.Room() == "" {
		ctl.closeSession(s, CloseNotAuthenticated)
		return
	}

	var p SSRCUpdatePayload
	if err := json.Unmarshal(d, &p); err != nil {
		return
	}

	next := domain.SSRCTriple{Audio: p.AudioSSRC, Video: p.VideoSSRC, RTX: p.RTXSSRC}
	s.setSSRCs(next)

	client := s.Client()
	if client != nil && s.Protocol() == domain.ProtocolWebRTC {
		client.SetSSRCs(next)
		ctl.togglePublish(s, client, domain.KindAudio, next.Audio)
		ctl.togglePublish(s, client, domain.KindVideo, next.Video)
		return
	}

	ctl.broadcastRoom(s.Room(), s.ID, OpSSRCUpdate, SSRCUpdatePayload{
		AudioSSRC: next.Audio,
		VideoSSRC: next.Video,
		RTXSSRC:   next.RTX,
		UserID:    s.User(),
	})
}

func (ctl *Controller) togglePublish(s *Session, client *sfu.Client, kind domain.MediaKind, ssrc domain.SSRC) {
	if ssrc == 0 {
		ctl.Delegate.UnpublishTrack(client, kind)
		return
	}
	err := ctl.Delegate.PublishTrack(client, kind, ssrc)
	switch {
	case err == nil:
	case errors.Is(err, sfu.ErrNotConnected):
		// Abandoned, not fatal: the client retries once its transport is up.
		log.Debug().
			Str("module", "signal").
			Str("sid", string(s.ID)).
			Str("kind", string(kind)).
			Msg("publish abandoned, transport not connected")
	default:
		log.Error().Err(err).
			Str("module", "signal").
			Str("sid", string(s.ID)).
			Str("kind", string(kind)).
			Msg("publish failed")
	}
}
