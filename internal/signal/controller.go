// Package signal is the per-client control channel: the handshake/heartbeat
// state machine that authenticates against the chat gateway, negotiates a
// transport dialect and bridges clients to the SFU delegate, the
// orchestrator or the UDP relay.
package signal

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/app"
	"github.com/harmonix-chat/voice/internal/config"
	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/orch"
	"github.com/harmonix-chat/voice/internal/sfu"
	"github.com/harmonix-chat/voice/internal/udprelay"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Cfg       *config.Config
	Registry  *app.Registry
	Delegate  *sfu.Delegate
	Orch      *orch.Orchestrator
	Relay     *udprelay.Relay
	Directory core.SessionLookup

	mu       sync.RWMutex
	sessions map[core.SessionID]*Session

	joins    *joinLimiter
	ssrcNext atomic.Uint32
}

// Identify rate limit: flapping reconnect loops hit this before they churn
// room membership.
const (
	joinLimit  = 5
	joinWindow = 10 * time.Second
)

func NewController(cfg *config.Config, reg *app.Registry, delegate *sfu.Delegate, o *orch.Orchestrator, relay *udprelay.Relay, dir core.SessionLookup) *Controller {
	ctl := &Controller{
		Cfg:       cfg,
		Registry:  reg,
		Delegate:  delegate,
		Orch:      o,
		Relay:     relay,
		Directory: dir,
		sessions:  make(map[core.SessionID]*Session),
		joins:     newJoinLimiter(joinLimit, joinWindow),
	}
	if delegate != nil {
		delegate.SetNotifier(ctl)
	}
	if o != nil {
		o.SetSink(ctl)
	}
	if relay != nil {
		relay.SetOnSpeaking(ctl.onUDPSpeaking)
	}
	return ctl
}

// HandleVoice upgrades a signaling socket, sends HELLO and starts the pumps.
func (ctl *Controller) HandleVoice(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := core.SessionID(uuid.NewString())
	ctx, cancel := context.WithCancel(ctx)

	conn := newWSConn(ws)
	s := newSession(sid, conn, cancel)

	ctl.mu.Lock()
	ctl.sessions[sid] = s
	ctl.mu.Unlock()

	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new signaling connection")

	ctl.sendOp(s, OpHello, HelloPayload{HeartbeatInterval: ctl.Cfg.HeartbeatInterval.Milliseconds()})
	s.startHeartbeat(ctl.Cfg.HeartbeatTimeout, func() {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("heartbeat timeout")
		ctl.closeSession(s, CloseSessionTimeout)
	})

	go ctl.writePump(ctx, conn)
	go func() {
		defer ctl.closeSession(s, websocket.CloseNormalClosure)
		ctl.readPump(ctx, s)
	}()
}

func (ctl *Controller) session(sid core.SessionID) (*Session, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	s, ok := ctl.sessions[sid]
	return s, ok
}

func (ctl *Controller) sessionByUser(user domain.UserID) (*Session, bool) {
	sid, ok := ctl.Registry.SIDByUser(user)
	if !ok {
		return nil, false
	}
	return ctl.session(sid)
}

// allocSSRCs hands out a fresh audio/video/rtx triple.
func (ctl *Controller) allocSSRCs() domain.SSRCTriple {
	base := ctl.ssrcNext.Add(3) - 2
	return domain.SSRCTriple{
		Audio: domain.SSRC(base),
		Video: domain.SSRC(base + 1),
		RTX:   domain.SSRC(base + 2),
	}
}

func newSecretKey() [udprelay.KeySize]byte {
	var key [udprelay.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return key
}

func keyToInts(key [udprelay.KeySize]byte) []int {
	out := make([]int, len(key))
	for i, b := range key {
		out[i] = int(b)
	}
	return out
}

func (ctl *Controller) sendOp(s *Session, op Opcode, d any) {
	env, err := makeEnvelope(op, d)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal payload")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal envelope")
		return
	}
	_ = s.conn.TrySend(b)
}

func (ctl *Controller) broadcastRoom(room domain.RoomID, except core.SessionID, op Opcode, d any) {
	env, err := makeEnvelope(op, d)
	if err != nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, snap := range ctl.Registry.MembersOfRoom(room) {
		if snap.SID == except {
			continue
		}
		_ = snap.Session.Conn().TrySend(b)
	}
}

// closeSession is the single teardown path: it synchronously removes the
// session from every shared table before kicking off asynchronous media
// teardown, so a half-closed session is never visible to new operations.
func (ctl *Controller) closeSession(s *Session, code int) {
	ctl.mu.Lock()
	if _, ok := ctl.sessions[s.ID]; !ok {
		ctl.mu.Unlock()
		return
	}
	delete(ctl.sessions, s.ID)
	ctl.mu.Unlock()

	s.stopHeartbeat()
	room := s.Room()
	user := s.User()
	ssrcs := s.SSRCs()
	client := s.Client()

	ctl.Registry.Unbind(s.ID)
	if ctl.Relay != nil && ssrcs.Audio != 0 {
		ctl.Relay.Table().Deregister(ssrcs.Audio)
	}

	_ = s.fsm.Event(context.Background(), eventClose)
	s.conn.CloseWithCode(code)
	s.cancel()

	if room != "" {
		ctl.broadcastRoom(room, s.ID, OpClientDisconnect, ClientDisconnectPayload{UserID: user})
	}
	if client != nil {
		go ctl.Delegate.Leave(client)
	}

	log.Info().
		Str("module", "signal").
		Str("sid", string(s.ID)).
		Str("user", string(user)).
		Int("code", code).
		Msg("session closed")
}

// NotifySSRC implements sfu.Notifier: a peer's subscription resolved, tell
// its client which streams now map to whom.
func (ctl *Controller) NotifySSRC(to domain.UserID, owner domain.UserID, ssrcs domain.SSRCTriple) {
	peer, ok := ctl.sessionByUser(to)
	if !ok {
		return
	}
	ctl.sendOp(peer, OpSSRCUpdate, SSRCUpdatePayload{
		AudioSSRC: ssrcs.Audio,
		VideoSSRC: ssrcs.Video,
		RTXSSRC:   ssrcs.RTX,
		UserID:    owner,
	})
}

// onUDPSpeaking is the legacy side channel: a decrypted packet means the
// user is talking.
func (ctl *Controller) onUDPSpeaking(user domain.UserID, ssrc domain.SSRC) {
	s, ok := ctl.sessionByUser(user)
	if !ok {
		return
	}
	ctl.broadcastRoom(s.Room(), s.ID, OpSpeaking, SpeakingPayload{UserID: user, Speaking: true, SSRC: ssrc})
}

// BroadcastSpeaking implements orch.BatchSink.
func (ctl *Controller) BroadcastSpeaking(room domain.RoomID, user domain.UserID, ssrc domain.SSRC, speaking bool) {
	ctl.broadcastRoom(room, "", OpSpeaking, SpeakingPayload{UserID: user, Speaking: speaking, SSRC: ssrc})
}

// BroadcastSSRC implements orch.BatchSink.
func (ctl *Controller) BroadcastSSRC(room domain.RoomID, user domain.UserID, ssrcs domain.SSRCTriple) {
	ctl.broadcastRoom(room, "", OpSSRCUpdate, SSRCUpdatePayload{
		AudioSSRC: ssrcs.Audio,
		VideoSSRC: ssrcs.Video,
		RTXSSRC:   ssrcs.RTX,
		UserID:    user,
	})
}

// DeliverAnswer implements orch.BatchSink: an agent produced an answer for a
// user it hosts.
func (ctl *Controller) DeliverAnswer(user domain.UserID, sdp string) {
	s, ok := ctl.sessionByUser(user)
	if !ok {
		return
	}
	ctl.sendOp(s, OpSessionDescription, SessionDescriptionPayload{
		SDP:        sdp,
		AudioCodec: "opus",
		VideoCodec: "H264",
	})
}
