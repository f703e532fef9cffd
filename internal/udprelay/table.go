package udprelay

import (
	"net"
	"sync"

	"github.com/harmonix-chat/voice/internal/domain"
)

// Binding is one registered voice stream: the key the sender encrypts with,
// the room it belongs to, and the last address it was seen from. Addresses
// are learned lazily from traffic and overwritten, never evicted on their
// own; the binding goes away when the owning session deregisters.
type Binding struct {
	Key  [KeySize]byte
	Room domain.RoomID
	User domain.UserID
	Addr *net.UDPAddr
}

type Table struct {
	mu     sync.RWMutex
	bySSRC map[domain.SSRC]*Binding
}

func NewTable() *Table {
	return &Table{bySSRC: make(map[domain.SSRC]*Binding)}
}

// RegisterKey associates ssrc with a cipher key and room. Re-registering
// overwrites the key but keeps a previously learned address.
func (t *Table) RegisterKey(ssrc domain.SSRC, key [KeySize]byte, room domain.RoomID, user domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bySSRC[ssrc]; ok {
		b.Key = key
		b.Room = room
		b.User = user
		return
	}
	t.bySSRC[ssrc] = &Binding{Key: key, Room: room, User: user}
}

func (t *Table) Deregister(ssrc domain.SSRC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySSRC, ssrc)
}

// Lookup returns a copy. The stored structs are mutated in place by the
// signaling goroutines; handing out the live pointer would let the relay
// read a key mid-rewrite.
func (t *Table) Lookup(ssrc domain.SSRC) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bySSRC[ssrc]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

func (t *Table) SetAddr(ssrc domain.SSRC, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bySSRC[ssrc]; ok {
		b.Addr = addr
	}
}

type peer struct {
	SSRC    domain.SSRC
	Binding Binding
}

// Peers snapshots every other binding in the same room that has a known
// address.
func (t *Table) Peers(room domain.RoomID, except domain.SSRC) []peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]peer, 0, len(t.bySSRC))
	for ssrc, b := range t.bySSRC {
		if ssrc == except || b.Room != room || b.Addr == nil {
			continue
		}
		out = append(out, peer{SSRC: ssrc, Binding: *b})
	}
	return out
}
