package sfu

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/metrics"
)

var (
	ErrNoTransport  = errors.New("client has no media transport")
	ErrNotConnected = errors.New("transport did not connect in time")
)

type subKey struct {
	peer domain.UserID
	kind domain.MediaKind
}

// Client is the per-(user, room) handle: incoming SSRCs, the producers this
// user publishes and the consumers it holds on peers' producers.
type Client struct {
	User domain.UserID
	room *Room

	mu        sync.RWMutex
	transport core.MediaTransport
	ssrcs     domain.SSRCTriple
	producers map[domain.MediaKind]*Producer
	subs      map[subKey]*Consumer
}

func newClient(user domain.UserID, room *Room) *Client {
	return &Client{
		User:      user,
		room:      room,
		producers: make(map[domain.MediaKind]*Producer),
		subs:      make(map[subKey]*Consumer),
	}
}

func (c *Client) Room() *Room { return c.room }

func (c *Client) SSRCs() domain.SSRCTriple {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssrcs
}

func (c *Client) SetSSRCs(t domain.SSRCTriple) {
	c.mu.Lock()
	c.ssrcs = t
	c.mu.Unlock()
}

func (c *Client) Transport() core.MediaTransport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Client) setTransport(t core.MediaTransport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	t.OnTrack(func(track *webrtc.TrackRemote) { c.bindTrack(track) })
}

// bindTrack attaches an engine-surfaced remote track to the matching
// producer, starting its forward loop under the room's worker.
func (c *Client) bindTrack(track *webrtc.TrackRemote) {
	kind := domain.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.KindVideo
	}

	c.mu.RLock()
	p, ok := c.producers[kind]
	c.mu.RUnlock()
	if !ok {
		log.Warn().
			Str("module", "sfu.client").
			Str("user", string(c.User)).
			Str("kind", string(kind)).
			Msg("remote track with no producer, ignoring")
		return
	}
	logger := log.With().
		Str("module", "sfu.producer").
		Str("user", string(c.User)).
		Str("kind", string(kind)).
		Logger()
	p.Attach(c.room.worker.Context(), track, logger)
}

// publish creates a producer for kind. Idempotent: re-publishing the same
// kind is a no-op. The first publish on a transport still mid-handshake
// waits for the connected signal, bounded by timeout; on timeout the attempt
// is abandoned and the client is expected to retry.
func (c *Client) publish(kind domain.MediaKind, ssrc domain.SSRC, timeout time.Duration) (*Producer, error) {
	c.mu.RLock()
	if p, ok := c.producers[kind]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	t := c.transport
	c.mu.RUnlock()

	if t == nil {
		return nil, ErrNoTransport
	}

	select {
	case <-t.Connected():
	case <-time.After(timeout):
		metrics.PublishTimeouts.Inc()
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.producers[kind]; ok {
		// Lost the race to a concurrent publish of the same kind.
		return p, nil
	}
	p := NewProducer(kind, ssrc, c.User)
	c.producers[kind] = p
	metrics.ProducersCreated.Inc()
	return p, nil
}

func (c *Client) unpublish(kind domain.MediaKind) (*Producer, bool) {
	c.mu.Lock()
	p, ok := c.producers[kind]
	if ok {
		delete(c.producers, kind)
	}
	c.mu.Unlock()
	if ok {
		p.Close()
	}
	return p, ok
}

func (c *Client) Producer(kind domain.MediaKind) (*Producer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.producers[kind]
	return p, ok
}

func (c *Client) subscribed(peer domain.UserID, kind domain.MediaKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[subKey{peer, kind}]
	return ok
}

func (c *Client) addSub(peer domain.UserID, kind domain.MediaKind, consumer *Consumer) {
	c.mu.Lock()
	c.subs[subKey{peer, kind}] = consumer
	c.mu.Unlock()
}

func (c *Client) removeSub(peer domain.UserID, kind domain.MediaKind) (*Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := subKey{peer, kind}
	consumer, ok := c.subs[k]
	if ok {
		delete(c.subs, k)
	}
	return consumer, ok
}

// close tears down everything this handle owns: its producers, its
// subscriptions on peers, and the transport.
func (c *Client) close() {
	c.mu.Lock()
	producers := c.producers
	subs := c.subs
	t := c.transport
	c.producers = make(map[domain.MediaKind]*Producer)
	c.subs = make(map[subKey]*Consumer)
	c.transport = nil
	c.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for k, consumer := range subs {
		consumer.MarkDelete()
		if peer, ok := c.room.Client(k.peer); ok {
			if p, ok := peer.Producer(k.kind); ok {
				p.RemoveConsumer(c.User)
			}
		}
	}
	if t != nil {
		t.Close()
	}
}
