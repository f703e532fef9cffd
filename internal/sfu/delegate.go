// Package sfu owns the selective-forwarding unit: the local worker pool, the
// room map, per-client transports and the publish/subscribe graph between
// room members.
package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/metrics"
)

// TransportFactory creates a media transport for a client handle. Injected
// so tests can substitute a fake engine.
type TransportFactory func(user domain.UserID) (core.MediaTransport, error)

// Notifier receives SSRC-mapping notices for peers whose subscription to a
// newly-published track has resolved. Implemented by the signaling layer.
type Notifier interface {
	NotifySSRC(to domain.UserID, owner domain.UserID, ssrcs domain.SSRCTriple)
}

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

var h264Codec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeH264,
	ClockRate: 90000,
}

type Delegate struct {
	workers        *WorkerPool
	publicIP       string
	connectTimeout time.Duration
	newTransport   TransportFactory
	notifier       Notifier

	mu     sync.RWMutex
	rooms  map[domain.RoomID]*Room
	byUser map[domain.UserID]*Client
}

func NewDelegate(ctx context.Context, workerCount int, publicIP string, connectTimeout time.Duration, factory TransportFactory) *Delegate {
	return &Delegate{
		workers:        NewWorkerPool(ctx, workerCount),
		publicIP:       publicIP,
		connectTimeout: connectTimeout,
		newTransport:   factory,
		rooms:          make(map[domain.RoomID]*Room),
		byUser:         make(map[domain.UserID]*Client),
	}
}

// SetNotifier wires the signaling layer in after construction; the two
// reference each other.
func (d *Delegate) SetNotifier(n Notifier) { d.notifier = n }

// Join binds user into roomID, creating the room on its next-in-line worker
// if needed. A user holds at most one voice presence at a time: a prior
// handle anywhere is torn down first.
func (d *Delegate) Join(user domain.UserID, roomID domain.RoomID) *Client {
	if prior := d.clientOf(user); prior != nil {
		log.Info().
			Str("module", "sfu").
			Str("user", string(user)).
			Str("prior_room", string(prior.room.ID)).
			Msg("evicting prior voice presence")
		d.Leave(prior)
	}

	d.mu.Lock()
	room, ok := d.rooms[roomID]
	if !ok {
		room = newRoom(roomID, d.workers.Next())
		d.rooms[roomID] = room
		metrics.RoomsActive.Inc()
		log.Info().
			Str("module", "sfu").
			Str("room", string(roomID)).
			Int("worker", room.worker.ID()).
			Msg("room created")
	}
	client := newClient(user, room)
	d.byUser[user] = client
	d.mu.Unlock()

	room.addClient(client)
	return client
}

// Leave closes the handle and drops the room once empty.
func (d *Delegate) Leave(c *Client) {
	// Detach this client's consumers held by peers before closing.
	for _, peer := range c.room.Peers(c.User) {
		if consumer, ok := peer.removeSub(c.User, domain.KindAudio); ok {
			d.detachConsumer(peer, consumer)
		}
		if consumer, ok := peer.removeSub(c.User, domain.KindVideo); ok {
			d.detachConsumer(peer, consumer)
		}
	}

	c.close()
	c.room.removeClient(c.User)

	d.mu.Lock()
	if cur, ok := d.byUser[c.User]; ok && cur == c {
		delete(d.byUser, c.User)
	}
	if c.room.empty() {
		if _, ok := d.rooms[c.room.ID]; ok {
			delete(d.rooms, c.room.ID)
			metrics.RoomsActive.Dec()
			log.Info().Str("module", "sfu").Str("room", string(c.room.ID)).Msg("room dropped")
		}
	}
	d.mu.Unlock()
}

func (d *Delegate) clientOf(user domain.UserID) *Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byUser[user]
}

func (d *Delegate) Room(id domain.RoomID) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	Worker      int           `json:"worker"`
}

func (d *Delegate) ListRooms() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for id, r := range d.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: r.ClientCount(), Worker: r.worker.ID()})
	}
	return out
}

// Answer runs the legacy offer/answer exchange: the truncated client SDP is
// expanded to a full offer, a transport is created and handshaken, and the
// full answer is truncated back to the single-audio dialect old clients can
// parse.
func (d *Delegate) Answer(c *Client, truncated string) (string, error) {
	offer, err := ParseTruncatedOffer(truncated)
	if err != nil {
		return "", fmt.Errorf("parse client sdp: %w", err)
	}

	t, err := d.newTransport(c.User)
	if err != nil {
		return "", fmt.Errorf("create transport: %w", err)
	}

	full, err := BuildFullOffer(offer)
	if err != nil {
		t.Close()
		return "", fmt.Errorf("build offer: %w", err)
	}

	answer, err := t.ApplyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: full})
	if err != nil {
		t.Close()
		return "", fmt.Errorf("apply offer: %w", err)
	}

	c.setTransport(t)

	out, err := TruncateAnswer(answer.SDP, d.publicIP)
	if err != nil {
		return "", fmt.Errorf("truncate answer: %w", err)
	}
	return out, nil
}

// PublishTrack publishes kind for c and auto-subscribes every other room
// member, sending each an SSRC-mapping notice once its subscription has
// resolved. ErrNotConnected is deliberately non-fatal for the caller.
func (d *Delegate) PublishTrack(c *Client, kind domain.MediaKind, ssrc domain.SSRC) error {
	if _, err := c.publish(kind, ssrc, d.connectTimeout); err != nil {
		return err
	}

	for _, peer := range c.room.Peers(c.User) {
		if peer.subscribed(c.User, kind) {
			continue
		}
		if err := d.SubscribeToTrack(peer, c, kind); err != nil {
			log.Error().Err(err).
				Str("module", "sfu").
				Str("publisher", string(c.User)).
				Str("subscriber", string(peer.User)).
				Msg("auto-subscribe failed")
			continue
		}
		// The notice goes out only after the subscribe resolved, so the peer
		// never sees an SSRC it cannot yet decode.
		if d.notifier != nil {
			d.notifier.NotifySSRC(peer.User, c.User, c.SSRCs())
		}
	}
	return nil
}

// SubscribeToTrack attaches sub to pub's producer of the given kind.
// Idempotent per (subscriber, publisher, kind).
func (d *Delegate) SubscribeToTrack(sub, pub *Client, kind domain.MediaKind) error {
	if sub.User == pub.User {
		return nil // a client never subscribes to its own producer
	}
	if sub.subscribed(pub.User, kind) {
		return nil
	}
	producer, ok := pub.Producer(kind)
	if !ok {
		return fmt.Errorf("no %s producer for %s", kind, pub.User)
	}
	t := sub.Transport()
	if t == nil {
		return ErrNoTransport
	}

	codec := opusCodec
	if kind == domain.KindVideo {
		codec = h264Codec
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "voice-"+string(pub.User))
	if err != nil {
		return err
	}
	sender, err := t.AddTrack(track)
	if err != nil {
		return err
	}

	consumer := NewConsumer(track, sender)
	producer.AddConsumer(sub.User, consumer)
	sub.addSub(pub.User, kind, consumer)
	return nil
}

// UnsubscribeFromTrack removes sub's consumer on pub's producer, if any.
func (d *Delegate) UnsubscribeFromTrack(sub, pub *Client, kind domain.MediaKind) {
	consumer, ok := sub.removeSub(pub.User, kind)
	if !ok {
		return
	}
	if producer, ok := pub.Producer(kind); ok {
		producer.RemoveConsumer(sub.User)
	}
	d.detachConsumer(sub, consumer)
}

// UnpublishTrack removes c's producer of kind; its consumers are invalidated
// implicitly and subscribers are not proactively notified.
func (d *Delegate) UnpublishTrack(c *Client, kind domain.MediaKind) {
	if _, ok := c.unpublish(kind); !ok {
		return
	}
	for _, peer := range c.room.Peers(c.User) {
		if consumer, ok := peer.removeSub(c.User, kind); ok {
			d.detachConsumer(peer, consumer)
		}
	}
}

func (d *Delegate) detachConsumer(owner *Client, consumer *Consumer) {
	consumer.MarkDelete()
	if t := owner.Transport(); t != nil && consumer.sender != nil {
		if err := t.RemoveTrack(consumer.sender); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Str("user", string(owner.User)).Msg("remove track")
		}
	}
}

func (d *Delegate) Close() {
	d.workers.Close()
}
