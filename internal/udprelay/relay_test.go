package udprelay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonix-chat/voice/internal/domain"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := NewRelay("127.0.0.1", 0, NewTable())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func dialRelay(t *testing.T, r *Relay) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func expectSilence(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	n, err := conn.Read(buf)
	require.Error(t, err, "expected no packet, got %d bytes", n)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func randomKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var key [KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

// voicePacket builds header || seal(payload) for the given SSRC.
func voicePacket(ssrc domain.SSRC, payload []byte, key *[KeySize]byte) []byte {
	header := make([]byte, headerSize)
	header[0] = 0x80
	binary.BigEndian.PutUint32(header[8:12], uint32(ssrc))
	return append(header, seal(payload, header, key)...)
}

func TestDiscoveryEcho(t *testing.T) {
	r := newTestRelay(t)
	conn := dialRelay(t, r)

	req := make([]byte, discoverySize)
	binary.BigEndian.PutUint32(req[:4], 0xDEADBEEF)
	_, err := conn.Write(req)
	require.NoError(t, err)

	resp := readPacket(t, conn)
	require.Len(t, resp, discoverySize)
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(resp[:4]))

	addr := strings.TrimRight(string(resp[discoveryAddrOffset:discoveryPortOffset-1]), "\x00")
	assert.Equal(t, "127.0.0.1", addr)

	local := conn.LocalAddr().(*net.UDPAddr)
	assert.Equal(t, uint16(local.Port), binary.LittleEndian.Uint16(resp[discoveryPortOffset:]))
}

func TestKeepaliveEchoedVerbatim(t *testing.T) {
	r := newTestRelay(t)
	conn := dialRelay(t, r)

	probe := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	_, err := conn.Write(probe)
	require.NoError(t, err)

	assert.Equal(t, probe, readPacket(t, conn))
}

func TestVoiceFanOutReencryptsPerPeer(t *testing.T) {
	r := newTestRelay(t)
	sender := dialRelay(t, r)
	receiver := dialRelay(t, r)

	senderKey := randomKey(t)
	receiverKey := randomKey(t)
	r.Table().RegisterKey(10, senderKey, "room", "alice")
	r.Table().RegisterKey(20, receiverKey, "room", "bob")

	// The receiver's address is learned from its own traffic first.
	_, err := receiver.Write(voicePacket(20, []byte("warmup"), &receiverKey))
	require.NoError(t, err)
	expectSilence(t, receiver) // no peers with a known address yet

	payload := []byte("opus frame bytes")
	_, err = sender.Write(voicePacket(10, payload, &senderKey))
	require.NoError(t, err)

	out := readPacket(t, receiver)
	require.Greater(t, len(out), headerSize)
	assert.Equal(t, uint32(10), binary.BigEndian.Uint32(out[8:12]), "header travels unchanged")

	got, ok := open(out[headerSize:], out[:headerSize], &receiverKey)
	require.True(t, ok, "forwarded payload must be sealed under the recipient key")
	assert.Equal(t, payload, got)

	// The sender never receives its own packet back.
	expectSilence(t, sender)
}

func TestTamperedPacketDroppedSilently(t *testing.T) {
	r := newTestRelay(t)
	sender := dialRelay(t, r)
	receiver := dialRelay(t, r)

	senderKey := randomKey(t)
	receiverKey := randomKey(t)
	r.Table().RegisterKey(10, senderKey, "room", "alice")
	r.Table().RegisterKey(20, receiverKey, "room", "bob")
	_, err := receiver.Write(voicePacket(20, []byte("warmup"), &receiverKey))
	require.NoError(t, err)
	expectSilence(t, receiver)

	pkt := voicePacket(10, []byte("payload"), &senderKey)
	pkt[len(pkt)-1] ^= 0xFF
	_, err = sender.Write(pkt)
	require.NoError(t, err)
	expectSilence(t, receiver)
	expectSilence(t, sender)

	// The relay stays healthy after the drop.
	_, err = sender.Write(voicePacket(10, []byte("payload"), &senderKey))
	require.NoError(t, err)
	out := readPacket(t, receiver)
	_, ok := open(out[headerSize:], out[:headerSize], &receiverKey)
	assert.True(t, ok)
}

// Re-keying an SSRC while its packets are in flight must never tear the key
// the relay decrypts with. Run with -race; a lookup handing out the live
// binding pointer fails here.
func TestConcurrentRekeyDuringVoice(t *testing.T) {
	r := newTestRelay(t)
	sender := dialRelay(t, r)
	receiver := dialRelay(t, r)

	senderKey := randomKey(t)
	receiverKey := randomKey(t)
	r.Table().RegisterKey(10, senderKey, "room", "alice")
	r.Table().RegisterKey(20, receiverKey, "room", "bob")
	_, err := receiver.Write(voicePacket(20, []byte("warmup"), &receiverKey))
	require.NoError(t, err)
	expectSilence(t, receiver)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				r.Table().RegisterKey(10, senderKey, "room", "alice")
			}
		}
	}()

	payload := []byte("opus frame bytes")
	for i := 0; i < 50; i++ {
		_, err := sender.Write(voicePacket(10, payload, &senderKey))
		require.NoError(t, err)
	}
	got := readPacket(t, receiver)
	close(stop)
	<-done

	out, ok := open(got[headerSize:], got[:headerSize], &receiverKey)
	require.True(t, ok)
	assert.Equal(t, payload, out)
}

func TestUnknownSSRCDropped(t *testing.T) {
	r := newTestRelay(t)
	conn := dialRelay(t, r)

	key := randomKey(t)
	_, err := conn.Write(voicePacket(99, []byte("payload"), &key))
	require.NoError(t, err)
	expectSilence(t, conn)
}

func TestSpeakingSideChannel(t *testing.T) {
	r := newTestRelay(t)

	var mu sync.Mutex
	var gotUser domain.UserID
	var gotSSRC domain.SSRC
	fired := make(chan struct{}, 1)
	r.SetOnSpeaking(func(user domain.UserID, ssrc domain.SSRC) {
		mu.Lock()
		gotUser, gotSSRC = user, ssrc
		mu.Unlock()
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	conn := dialRelay(t, r)
	key := randomKey(t)
	r.Table().RegisterKey(10, key, "room", "alice")
	_, err := conn.Write(voicePacket(10, []byte("payload"), &key))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("speaking callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.UserID("alice"), gotUser)
	assert.Equal(t, domain.SSRC(10), gotSSRC)
}

func TestRegisterKeyKeepsLearnedAddress(t *testing.T) {
	table := NewTable()
	key1 := [KeySize]byte{1}
	key2 := [KeySize]byte{2}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}

	table.RegisterKey(10, key1, "room", "alice")
	table.SetAddr(10, addr)
	table.RegisterKey(10, key2, "room", "alice")

	b, ok := table.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, key2, b.Key)
	assert.Same(t, addr, b.Addr, "re-keying keeps the learned address")
}

func TestPeersExcludesOtherRoomsAndAddresslessBindings(t *testing.T) {
	table := NewTable()
	key := [KeySize]byte{1}
	table.RegisterKey(10, key, "room-a", "alice")
	table.RegisterKey(20, key, "room-a", "bob")
	table.RegisterKey(30, key, "room-b", "carol")
	table.SetAddr(20, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	table.SetAddr(30, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2})

	peers := table.Peers("room-a", 10)
	require.Len(t, peers, 1)
	assert.Equal(t, domain.SSRC(20), peers[0].SSRC)

	table.Deregister(20)
	assert.Empty(t, table.Peers("room-a", 10))
}
