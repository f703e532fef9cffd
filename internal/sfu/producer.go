package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harmonix-chat/voice/internal/domain"
)

type ConsumerState int32

const (
	ConsumerOk ConsumerState = iota
	ConsumerMuted
	ConsumerDelete
)

// Consumer is one outgoing track: a subscriber's copy of a producer's stream.
type Consumer struct {
	Track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	state  atomic.Int32 // zero value is ConsumerOk
}

func NewConsumer(track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *Consumer {
	return &Consumer{Track: track, sender: sender}
}

func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }
func (c *Consumer) MarkMuted()           { c.state.Store(int32(ConsumerMuted)) }
func (c *Consumer) MarkDelete()          { c.state.Store(int32(ConsumerDelete)) }

// Producer is one published stream and the set of consumers fed from it.
// It exists from the moment a publish is accepted; the remote track attaches
// once the engine surfaces it, which starts the forward loop.
type Producer struct {
	Kind  domain.MediaKind
	SSRC  domain.SSRC
	Owner domain.UserID

	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	consumers map[domain.UserID]*Consumer
	cancel    context.CancelFunc
	closed    bool
}

func NewProducer(kind domain.MediaKind, ssrc domain.SSRC, owner domain.UserID) *Producer {
	return &Producer{
		Kind:      kind,
		SSRC:      ssrc,
		Owner:     owner,
		consumers: make(map[domain.UserID]*Consumer),
	}
}

// Attach binds the remote track and starts forwarding under ctx.
func (p *Producer) Attach(ctx context.Context, track *webrtc.TrackRemote, logger zerolog.Logger) {
	p.mu.Lock()
	if p.closed || p.src != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.src = track
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(loopCtx, track, logger)
}

func (p *Producer) loop(ctx context.Context, src *webrtc.TrackRemote, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("producer ctx done, marking all consumers for delete")
			p.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("producer read RTP error, stopping")
			p.markAllDelete()
			return
		}
		p.forward(pkt, logger)
	}
}

func (p *Producer) forward(pkt *rtp.Packet, logger zerolog.Logger) {
	snapshot := make(map[domain.UserID]*Consumer, len(p.consumers))
	p.mu.RLock()
	maps.Copy(snapshot, p.consumers)
	p.mu.RUnlock()

	dirty := make([]domain.UserID, 0, len(snapshot))
	for dst, c := range snapshot {
		switch c.State() {
		case ConsumerDelete:
			dirty = append(dirty, dst)
		case ConsumerMuted:
		case ConsumerOk:
			if err := c.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("dst", string(dst)).Msg("producer write RTP error, dropping consumer")
				c.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.cleanupDeleted(dirty)
	}
}

func (p *Producer) cleanupDeleted(dirty []domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dst := range dirty {
		delete(p.consumers, dst)
	}
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.consumers {
		c.MarkDelete()
	}
}

func (p *Producer) AddConsumer(dst domain.UserID, c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[dst] = c
}

func (p *Producer) Consumer(dst domain.UserID) (*Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[dst]
	return c, ok
}

func (p *Producer) RemoveConsumer(dst domain.UserID) {
	p.mu.Lock()
	c, ok := p.consumers[dst]
	if ok {
		delete(p.consumers, dst)
	}
	p.mu.Unlock()
	if ok {
		c.MarkDelete()
	}
}

func (p *Producer) ConsumerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.consumers)
}

// Close invalidates every consumer and stops the forward loop.
func (p *Producer) Close() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.markAllDelete()
}
