// Package udprelay is the legacy voice path: a single UDP listener keyed by
// the SSRC prefixed on every packet. It decrypts from the sender, re-encrypts
// per recipient, and answers NAT-discovery and keepalive probes.
package udprelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/metrics"
)

const (
	discoverySize = 70
	keepaliveSize = 8
	headerSize    = 12

	// 70-byte discovery layout: SSRC at 0, NUL-terminated address at 4,
	// little-endian port at 68.
	discoveryAddrOffset = 4
	discoveryPortOffset = 68
)

// SpeakingFunc is the side channel legacy clients infer "who is talking"
// from: fired on every successfully decrypted voice packet.
type SpeakingFunc func(user domain.UserID, ssrc domain.SSRC)

type Relay struct {
	conn       *net.UDPConn
	table      *Table
	onSpeaking SpeakingFunc
}

func NewRelay(bind string, port int, table *Table) (*Relay, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bind), Port: port})
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	log.Info().Str("module", "udprelay").Str("addr", conn.LocalAddr().String()).Msg("relay listening")
	return &Relay{conn: conn, table: table}, nil
}

func (r *Relay) SetOnSpeaking(fn SpeakingFunc) { r.onSpeaking = fn }

func (r *Relay) Port() int { return r.conn.LocalAddr().(*net.UDPAddr).Port }

func (r *Relay) Table() *Table { return r.table }

// Serve reads packets until ctx is canceled. Nothing on this path may panic
// or report per-packet errors to a sender.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		r.handlePacket(buf[:n], addr)
	}
}

func (r *Relay) Close() { _ = r.conn.Close() }

func (r *Relay) handlePacket(pkt []byte, addr *net.UDPAddr) {
	switch {
	case len(pkt) == discoverySize:
		r.handleDiscovery(pkt, addr)
	case len(pkt) == keepaliveSize:
		// Keepalive is echoed verbatim.
		_, _ = r.conn.WriteToUDP(pkt, addr)
	case len(pkt) > headerSize:
		r.handleVoice(pkt, addr)
	}
}

// handleDiscovery echoes a fixed-format response telling the client its
// public NAT mapping.
func (r *Relay) handleDiscovery(pkt []byte, addr *net.UDPAddr) {
	resp := make([]byte, discoverySize)
	copy(resp[:4], pkt[:4]) // SSRC echoed at the same offset
	copy(resp[discoveryAddrOffset:discoveryPortOffset-1], addr.IP.String())
	binary.LittleEndian.PutUint16(resp[discoveryPortOffset:], uint16(addr.Port))
	_, _ = r.conn.WriteToUDP(resp, addr)
}

func (r *Relay) handleVoice(pkt []byte, addr *net.UDPAddr) {
	header := pkt[:headerSize]
	ssrc := domain.SSRC(binary.BigEndian.Uint32(header[8:12]))

	binding, ok := r.table.Lookup(ssrc)
	if !ok {
		// No key was ever associated with this SSRC via signaling.
		return
	}
	if binding.Addr == nil || !binding.Addr.IP.Equal(addr.IP) || binding.Addr.Port != addr.Port {
		r.table.SetAddr(ssrc, addr)
	}

	payload, ok := open(pkt[headerSize:], header, &binding.Key)
	if !ok {
		// Wrong key, corrupt payload, replay: all dropped the same way.
		metrics.UDPDecryptFailures.Inc()
		return
	}

	if r.onSpeaking != nil {
		r.onSpeaking(binding.User, ssrc)
	}

	for _, p := range r.table.Peers(binding.Room, ssrc) {
		out := make([]byte, 0, headerSize+len(payload)+secretboxOverhead)
		out = append(out, header...)
		out = append(out, seal(payload, header, &p.Binding.Key)...)
		if _, err := r.conn.WriteToUDP(out, p.Binding.Addr); err != nil {
			continue
		}
		metrics.UDPPacketsForwarded.Inc()
	}
}

const secretboxOverhead = 16
