package core

import "github.com/harmonix-chat/voice/internal/domain"

// Frame is a raw outbound payload (a marshaled signaling envelope).
type Frame []byte

// SessionID identifies one connected signaling socket.
type SessionID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SessionLookup is the account/session database this subsystem consumes.
// The chat gateway owns the real one; tests and the dev server use an
// in-memory directory.
type SessionLookup interface {
	LookupAccount(id domain.UserID) (*domain.Account, bool)
	LookupGatewaySession(sessionID string, user domain.UserID) (*domain.GatewaySession, bool)
	// LookupGatewaySessionByID serves RESUME, which carries no user id.
	LookupGatewaySessionByID(sessionID string) (*domain.GatewaySession, bool)
}
