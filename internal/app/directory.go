package app

import (
	"sync"

	"github.com/harmonix-chat/voice/internal/domain"
)

// MemoryDirectory is an in-memory core.SessionLookup. The real account and
// gateway-session databases belong to the chat gateway; the dev server and
// tests seed this one instead.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[domain.UserID]domain.Account
	sessions map[string]domain.GatewaySession
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts: make(map[domain.UserID]domain.Account),
		sessions: make(map[string]domain.GatewaySession),
	}
}

func (d *MemoryDirectory) AddAccount(a domain.Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func (d *MemoryDirectory) AddGatewaySession(s domain.GatewaySession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID] = s
}

func (d *MemoryDirectory) LookupAccount(id domain.UserID) (*domain.Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

func (d *MemoryDirectory) LookupGatewaySession(sessionID string, user domain.UserID) (*domain.GatewaySession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	if !ok || s.UserID != user {
		return nil, false
	}
	return &s, true
}

func (d *MemoryDirectory) LookupGatewaySessionByID(sessionID string) (*domain.GatewaySession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return &s, true
}
