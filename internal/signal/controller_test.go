package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonix-chat/voice/internal/app"
	"github.com/harmonix-chat/voice/internal/config"
	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/sfu"
	"github.com/harmonix-chat/voice/internal/udprelay"
)

// fakeAnswer is what the fake transport's engine "produces": enough of a
// full answer for the truncation step to succeed.
const fakeAnswer = `v=0
o=- 1 1 IN IP4 0.0.0.0
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=fingerprint:sha-256 AA:BB:CC:DD
a=ice-ufrag:srvU
a=ice-pwd:srvP
a=candidate:1 1 udp 2130706431 10.0.0.5 52123 typ host
a=mid:0
`

const clientOffer = "a=ice-ufrag:cliU\na=ice-pwd:cliP\na=fingerprint:sha-256 11:22:33:44\n"

type fakeTransport struct {
	connected chan struct{}
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{connected: make(chan struct{})}
	close(t.connected)
	return t
}

func (t *fakeTransport) ApplyOffer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeAnswer}, nil
}

func (t *fakeTransport) Connected() <-chan struct{}        { return t.connected }
func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote)) {}

func (t *fakeTransport) AddTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (t *fakeTransport) RemoveTrack(*webrtc.RTPSender) error { return nil }
func (t *fakeTransport) Close()                              {}
func (t *fakeTransport) IsClosed() bool                      { return false }

type testEnv struct {
	ctl *Controller
	srv *httptest.Server
	dir *app.MemoryDirectory
}

func newTestEnv(t *testing.T, hbTimeout time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		PublicIP:          "203.0.113.1",
		WorkerCount:       2,
		HeartbeatInterval: 41250 * time.Millisecond,
		HeartbeatTimeout:  hbTimeout,
		ConnectTimeout:    100 * time.Millisecond,
	}

	relay, err := udprelay.NewRelay("127.0.0.1", 0, udprelay.NewTable())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = relay.Serve(ctx) }()
	t.Cleanup(cancel)

	delegate := sfu.NewDelegate(ctx, cfg.WorkerCount, cfg.PublicIP, cfg.ConnectTimeout,
		func(domain.UserID) (core.MediaTransport, error) {
			return newFakeTransport(), nil
		})
	t.Cleanup(delegate.Close)

	dir := app.NewMemoryDirectory()
	dir.AddAccount(domain.Account{ID: "alice", Username: "alice"})
	dir.AddAccount(domain.Account{ID: "bob", Username: "bob"})
	dir.AddAccount(domain.Account{ID: "mallory", Username: "mallory", Disabled: true})
	dir.AddGatewaySession(domain.GatewaySession{ID: "gw-alice", UserID: "alice", Token: "tok-alice"})
	dir.AddGatewaySession(domain.GatewaySession{ID: "gw-bob", UserID: "bob", Token: "tok-bob"})

	ctl := NewController(cfg, app.NewRegistry(), delegate, nil, relay, dir)

	engine := gin.New()
	engine.GET("/api/ws/voice", func(c *gin.Context) {
		ctl.HandleVoice(ctx, c)
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testEnv{ctl: ctl, srv: srv, dir: dir}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/ws/voice"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &testClient{t: t, ws: ws}
	env := c.read()
	require.Equal(t, OpHello, env.Op, "first frame must be HELLO")
	return c
}

func (c *testClient) read() Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(c.t, c.ws.ReadJSON(&env))
	return env
}

func (c *testClient) readOp(op Opcode) json.RawMessage {
	c.t.Helper()
	env := c.read()
	require.Equal(c.t, op, env.Op)
	return env.D
}

func (c *testClient) write(op Opcode, d any) {
	c.t.Helper()
	env, err := makeEnvelope(op, d)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(env))
}

// expectClose reads until the socket closes and asserts the close code.
func (c *testClient) expectClose(code int) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(c.t, err, &closeErr)
			assert.Equal(c.t, code, closeErr.Code)
			return
		}
	}
}

func (c *testClient) identify(user, room string) ReadyPayload {
	c.t.Helper()
	c.write(OpIdentify, IdentifyPayload{
		UserID:    domain.UserID(user),
		ServerID:  room,
		SessionID: "gw-" + user,
		Token:     "tok-" + user,
	})
	var ready ReadyPayload
	require.NoError(c.t, json.Unmarshal(c.readOp(OpReady), &ready))
	return ready
}

func TestIdentifyHappyPath(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)

	ready := c.identify("alice", "room1")
	assert.NotZero(t, ready.SSRC)
	assert.Equal(t, "203.0.113.1", ready.IP)
	assert.Equal(t, env.ctl.Relay.Port(), ready.Port)
	assert.Equal(t, CipherModes(), ready.Modes)
	assert.Equal(t, 1, env.ctl.Registry.Count())
}

func TestIdentifyAuthFailures(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	t.Run("unknown account", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpIdentify, IdentifyPayload{UserID: "ghost", ServerID: "r", SessionID: "s", Token: "t"})
		c.expectClose(CloseAuthFailed)
	})

	t.Run("disabled account", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpIdentify, IdentifyPayload{UserID: "mallory", ServerID: "r", SessionID: "s", Token: "t"})
		c.expectClose(CloseAuthFailed)
	})

	t.Run("wrong token", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpIdentify, IdentifyPayload{UserID: "alice", ServerID: "r", SessionID: "gw-alice", Token: "wrong"})
		c.expectClose(CloseAuthFailed)
	})

	t.Run("session bound to another user", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpIdentify, IdentifyPayload{UserID: "alice", ServerID: "r", SessionID: "gw-bob", Token: "tok-bob"})
		c.expectClose(CloseAuthFailed)
	})
}

func TestIdentifyRateLimited(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	for i := 0; i < joinLimit; i++ {
		c := env.dial(t)
		c.identify("alice", "room1")
	}

	c := env.dial(t)
	c.write(OpIdentify, IdentifyPayload{
		UserID:    "alice",
		ServerID:  "room1",
		SessionID: "gw-alice",
		Token:     "tok-alice",
	})
	c.expectClose(CloseAuthFailed)
}

func TestJoinLimiterWindow(t *testing.T) {
	l := newJoinLimiter(2, 50*time.Millisecond)

	assert.True(t, l.allow("alice"))
	assert.True(t, l.allow("alice"))
	assert.False(t, l.allow("alice"))
	assert.True(t, l.allow("bob"), "limits are per user")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.allow("alice"), "attempts age out of the window")
}

func TestJoinLimiterDropsIdleUsers(t *testing.T) {
	l := newJoinLimiter(2, 30*time.Millisecond)

	require.True(t, l.allow("alice"))
	time.Sleep(40 * time.Millisecond)

	// Any attempt by anyone sweeps expired entries for everyone.
	require.True(t, l.allow("bob"))

	l.mu.Lock()
	_, ok := l.history["alice"]
	l.mu.Unlock()
	assert.False(t, ok, "expired histories must not accumulate")
}

func TestDoubleIdentifyCloses(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)

	c.identify("alice", "room1")
	c.write(OpIdentify, IdentifyPayload{UserID: "alice", ServerID: "room1", SessionID: "gw-alice", Token: "tok-alice"})
	c.expectClose(CloseAlreadyAuthenticated)
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	first := env.dial(t)
	first.identify("alice", "room1")

	second := env.dial(t)
	second.identify("alice", "room2")

	first.expectClose(CloseDisconnected)
	assert.Equal(t, 1, env.ctl.Registry.Count())
}

func TestProtocolViolationsClose(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	t.Run("unknown opcode", func(t *testing.T) {
		c := env.dial(t)
		c.write(Opcode(99), struct{}{})
		c.expectClose(CloseUnknownOp)
	})

	t.Run("server-only opcode", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpReady, struct{}{})
		c.expectClose(CloseUnknownOp)
	})

	t.Run("malformed json", func(t *testing.T) {
		c := env.dial(t)
		require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
		c.expectClose(CloseDecodeError)
	})

	t.Run("select protocol before identify", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "udp"})
		c.expectClose(CloseNotAuthenticated)
	})
}

func TestHeartbeatAckEchoesNonce(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)

	c.write(OpHeartbeat, 1693791234)
	d := c.readOp(OpHeartbeatAck)
	assert.JSONEq(t, "1693791234", string(d))
}

func TestHeartbeatTimeoutClosesAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, 400*time.Millisecond)

	silent := env.dial(t)
	silent.identify("alice", "room1")

	time.Sleep(200 * time.Millisecond)
	watcher := env.dial(t)
	watcher.identify("bob", "room1")

	var p ClientDisconnectPayload
	require.NoError(t, json.Unmarshal(watcher.readOp(OpClientDisconnect), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)

	silent.expectClose(CloseSessionTimeout)
}

func TestSelectPlainMintsKey(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)
	ready := c.identify("alice", "room1")

	c.write(OpSelectProtocol, SelectProtocolPayload{
		Protocol: "udp",
		Data:     json.RawMessage(`{"mode":"xsalsa20_poly1305_suffix"}`),
	})

	var desc SessionDescriptionPayload
	require.NoError(t, json.Unmarshal(c.readOp(OpSessionDescription), &desc))
	assert.Equal(t, "xsalsa20_poly1305_suffix", desc.Mode)
	require.Len(t, desc.SecretKey, udprelay.KeySize)

	// The minted key is live in the relay table under the session's audio
	// SSRC.
	binding, ok := env.ctl.Relay.Table().Lookup(ready.SSRC)
	require.True(t, ok)
	for i, v := range desc.SecretKey {
		assert.Equal(t, binding.Key[i], byte(v))
	}
}

func TestSelectPlainRejectsUnknownMode(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)
	c.identify("alice", "room1")

	c.write(OpSelectProtocol, SelectProtocolPayload{
		Protocol: "udp",
		Data:     json.RawMessage(`{"mode":"aes256_gcm"}`),
	})

	var desc SessionDescriptionPayload
	require.NoError(t, json.Unmarshal(c.readOp(OpSessionDescription), &desc))
	assert.Equal(t, "xsalsa20_poly1305", desc.Mode, "unadvertised modes fall back to the default")
}

func TestSelectWebRTCAnswers(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)
	ready := c.identify("alice", "room1")

	c.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc", SDP: clientOffer})

	var desc SessionDescriptionPayload
	require.NoError(t, json.Unmarshal(c.readOp(OpSessionDescription), &desc))
	assert.Equal(t, "opus", desc.AudioCodec)
	assert.Equal(t, "H264", desc.VideoCodec)
	assert.Equal(t, "xsalsa20_poly1305", desc.Mode)
	assert.Len(t, desc.SecretKey, udprelay.KeySize)
	assert.Contains(t, desc.SDP, "m=audio 52123 ICE/SDP")
	assert.Contains(t, desc.SDP, "203.0.113.1 52123 typ host")

	_, ok := env.ctl.Relay.Table().Lookup(ready.SSRC)
	assert.True(t, ok, "webrtc sessions keep a UDP fallback key")
}

func TestSelectWebRTCBadSDPKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	c := env.dial(t)
	c.identify("alice", "room1")

	// No fingerprint: the offer/answer attempt fails but nothing closes.
	c.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc", SDP: "a=ice-ufrag:x\n"})

	c.write(OpHeartbeat, 1)
	c.readOp(OpHeartbeatAck)
}

func TestSelectP2PListsPeers(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)
	alice := env.dial(t)
	alice.identify("alice", "room1")
	alice.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc-p2p"})
	var desc SessionDescriptionPayload
	require.NoError(t, json.Unmarshal(alice.readOp(OpSessionDescription), &desc))
	assert.Equal(t, "p2p", desc.Mode)
	assert.Empty(t, desc.Peers)

	bob := env.dial(t)
	bob.identify("bob", "room1")
	bob.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc-p2p"})
	require.NoError(t, json.Unmarshal(bob.readOp(OpSessionDescription), &desc))
	assert.Equal(t, []domain.UserID{"alice"}, desc.Peers)
}

func TestP2PCandidateRelay(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	alice.identify("alice", "room1")
	alice.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc-p2p"})
	alice.readOp(OpSessionDescription)

	bob := env.dial(t)
	bob.identify("bob", "room1")
	bob.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc-p2p"})
	bob.readOp(OpSessionDescription)

	alice.write(OpICECandidate, ICECandidatePayload{
		UserID:    "bob",
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.10 6000 typ host",
	})

	var p ICECandidatePayload
	require.NoError(t, json.Unmarshal(bob.readOp(OpICECandidate), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID, "user_id is rewritten to the sender")
	assert.Contains(t, p.Candidate, "192.0.2.10")
}

func TestP2PCandidateNotRelayedToSFUPeer(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	alice.identify("alice", "room1")
	alice.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc-p2p"})
	alice.readOp(OpSessionDescription)

	bob := env.dial(t)
	bob.identify("bob", "room1")
	bob.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc", SDP: clientOffer})
	bob.readOp(OpSessionDescription)

	alice.write(OpICECandidate, ICECandidatePayload{UserID: "bob", Candidate: "candidate:1"})

	require.NoError(t, bob.ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var env2 Envelope
	err := bob.ws.ReadJSON(&env2)
	require.Error(t, err, "candidate must not reach a non-p2p peer, got op %v", env2.Op)
}

func TestSpeakingFanout(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	aliceReady := alice.identify("alice", "room1")
	bob := env.dial(t)
	bob.identify("bob", "room1")

	alice.write(OpSpeaking, SpeakingPayload{Speaking: true, SSRC: 424242})

	var p SpeakingPayload
	require.NoError(t, json.Unmarshal(bob.readOp(OpSpeaking), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)
	assert.True(t, p.Speaking)
	assert.Equal(t, aliceReady.SSRC, p.SSRC, "the server-allocated SSRC wins over the claimed one")
}

func TestNewcomerPrimedWithSpeakingState(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	aliceReady := alice.identify("alice", "room1")
	alice.write(OpSpeaking, SpeakingPayload{Speaking: true})

	// The indicator must land before the next join snapshots the room.
	require.Eventually(t, func() bool {
		sid, ok := env.ctl.Registry.SIDByUser("alice")
		if !ok {
			return false
		}
		s, ok := env.ctl.session(sid)
		return ok && s.Speaking()
	}, 2*time.Second, 10*time.Millisecond)

	bob := env.dial(t)
	bob.identify("bob", "room1")

	var p SpeakingPayload
	require.NoError(t, json.Unmarshal(bob.readOp(OpSpeaking), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)
	assert.True(t, p.Speaking)
	assert.Equal(t, aliceReady.SSRC, p.SSRC)
}

func TestSSRCUpdateBroadcastOnLegacyPath(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	alice.identify("alice", "room1")
	alice.write(OpSelectProtocol, SelectProtocolPayload{Protocol: "udp"})
	alice.readOp(OpSessionDescription)

	bob := env.dial(t)
	bob.identify("bob", "room1")

	alice.write(OpSSRCUpdate, SSRCUpdatePayload{AudioSSRC: 100, VideoSSRC: 101, RTXSSRC: 102})

	var p SSRCUpdatePayload
	require.NoError(t, json.Unmarshal(bob.readOp(OpSSRCUpdate), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)
	assert.Equal(t, domain.SSRC(100), p.AudioSSRC)
	assert.Equal(t, domain.SSRC(101), p.VideoSSRC)
	assert.Equal(t, domain.SSRC(102), p.RTXSSRC)
}

func TestDisconnectBroadcast(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	alice := env.dial(t)
	alice.identify("alice", "room1")
	bob := env.dial(t)
	bob.identify("bob", "room1")

	require.NoError(t, alice.ws.Close())

	var p ClientDisconnectPayload
	require.NoError(t, json.Unmarshal(bob.readOp(OpClientDisconnect), &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)
}

func TestResume(t *testing.T) {
	env := newTestEnv(t, 65*time.Second)

	t.Run("happy path", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpResume, ResumePayload{Token: "tok-alice", SessionID: "gw-alice", ServerID: "room1"})
		c.readOp(OpResumed)
		assert.Equal(t, 1, env.ctl.Registry.Count())
	})

	t.Run("empty claim", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpResume, ResumePayload{ServerID: "room1"})
		c.expectClose(CloseSessionInvalid)
	})

	t.Run("wrong token", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpResume, ResumePayload{Token: "wrong", SessionID: "gw-alice", ServerID: "room1"})
		c.expectClose(CloseSessionInvalid)
	})

	t.Run("unknown session", func(t *testing.T) {
		c := env.dial(t)
		c.write(OpResume, ResumePayload{Token: "tok", SessionID: "ghost", ServerID: "room1"})
		c.expectClose(CloseSessionInvalid)
	})
}
