// Package app holds the process-wide registries shared between the
// signaling layer and the SFU delegate.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/metrics"
)

type sessionEntry struct {
	RoomID  domain.RoomID
	Session core.VoiceSession
	Cancel  context.CancelFunc
}

// Registry is the session table: every identified signaling session, indexed
// by socket id, user and room. Owned state, passed explicitly to every
// component that needs it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	byUser   map[domain.UserID]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		byUser:   make(map[domain.UserID]core.SessionID),
	}
}

// Bind records an identified session. The caller must have evicted any prior
// session for the same user first.
func (r *Registry) Bind(sid core.SessionID, room domain.RoomID, sess core.VoiceSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{RoomID: room, Session: sess, Cancel: cancel}
	r.byUser[sess.User()] = sid
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	log.Info().
		Str("module", "app.registry").
		Str("sid", string(sid)).
		Str("user", string(sess.User())).
		Str("room", string(room)).
		Msg("bound session")
}

// Unbind removes the session from every table. It is synchronous with
// respect to the caller: once it returns, no new operation can see the
// session.
func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(r.sessions, sid)
	if cur, ok := r.byUser[e.Session.User()]; ok && cur == sid {
		delete(r.byUser, e.Session.User())
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbound session")
}

func (r *Registry) Get(sid core.SessionID) (core.VoiceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// SIDByUser returns the session currently bound for a user, if any.
func (r *Registry) SIDByUser(user domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[user]
	return sid, ok
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return e.RoomID, true
}

type Snap struct {
	SID     core.SessionID
	Session core.VoiceSession
}

// MembersOfRoom snapshots every session bound to a room.
func (r *Registry) MembersOfRoom(room domain.RoomID) []Snap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.RoomID == room {
			out = append(out, Snap{SID: sid, Session: e.Session})
		}
	}
	return out
}

// Cancel fires the stored cancel func, kicking the session's pumps.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
