package signal

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/sfu"
)

// Session lifecycle. The RESUMING path skips the full identify handshake and
// lands back in ready.
const (
	StateConnected  = "connected"
	StateIdentified = "ready"
	StateNegotiated = "negotiated"
	StateResuming   = "resuming"
	StateClosed     = "closed"
)

const (
	eventIdentify  = "identify"
	eventNegotiate = "negotiate"
	eventResume    = "resume"
	eventResumed   = "resumed"
	eventClose     = "close"
)

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: eventIdentify, Src: []string{StateConnected}, Dst: StateIdentified},
			{Name: eventNegotiate, Src: []string{StateIdentified, StateNegotiated}, Dst: StateNegotiated},
			{Name: eventResume, Src: []string{StateConnected}, Dst: StateResuming},
			{Name: eventResumed, Src: []string{StateResuming}, Dst: StateIdentified},
			{Name: eventClose, Src: []string{StateConnected, StateIdentified, StateNegotiated, StateResuming}, Dst: StateClosed},
		}, nil,
	)
}

// Session is the per-socket signaling state: identity, negotiated dialect,
// heartbeat deadline, allocated SSRCs and whichever media handle backs it.
type Session struct {
	ID core.SessionID

	conn   *wsConn
	fsm    *fsm.FSM
	cancel context.CancelFunc

	mu          sync.RWMutex
	user        domain.UserID
	room        domain.RoomID
	token       string
	gatewaySID  string
	protocol    domain.TransportProtocol
	protocolSet bool
	ssrcs       domain.SSRCTriple
	speaking    bool
	resumed     bool
	client      *sfu.Client
	hbTimer     *time.Timer
}

func newSession(id core.SessionID, conn *wsConn, cancel context.CancelFunc) *Session {
	return &Session{
		ID:     id,
		conn:   conn,
		fsm:    newSessionFSM(),
		cancel: cancel,
	}
}

func (s *Session) User() domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Protocol() domain.TransportProtocol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocol
}

// ProtocolChosen reports whether SELECT_PROTOCOL has happened; the zero
// protocol value is indistinguishable from plain otherwise.
func (s *Session) ProtocolChosen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolSet
}

func (s *Session) Conn() core.SignalConnection { return s.conn }

func (s *Session) Room() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) SSRCs() domain.SSRCTriple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrcs
}

func (s *Session) Client() *sfu.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) Speaking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speaking
}

func (s *Session) setSpeaking(v bool) {
	s.mu.Lock()
	s.speaking = v
	s.mu.Unlock()
}

// bindIdentity records the result of a successful IDENTIFY or RESUME.
func (s *Session) bindIdentity(user domain.UserID, room domain.RoomID, token, gatewaySID string, ssrcs domain.SSRCTriple, client *sfu.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.room = room
	s.token = token
	s.gatewaySID = gatewaySID
	s.ssrcs = ssrcs
	s.client = client
}

func (s *Session) setProtocol(p domain.TransportProtocol) {
	s.mu.Lock()
	s.protocol = p
	s.protocolSet = true
	s.mu.Unlock()
}

func (s *Session) setSSRCs(t domain.SSRCTriple) {
	s.mu.Lock()
	s.ssrcs = t
	s.mu.Unlock()
}

func (s *Session) markResumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumed {
		return false
	}
	s.resumed = true
	return true
}

// startHeartbeat arms the timeout timer; onTimeout fires after the full
// silence window and is re-armed by every heartbeat.
func (s *Session) startHeartbeat(timeout time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbTimer = time.AfterFunc(timeout, onTimeout)
}

func (s *Session) touchHeartbeat(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hbTimer != nil {
		s.hbTimer.Reset(timeout)
	}
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
}
