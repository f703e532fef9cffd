// Package orch is the control-plane registry for remote SFU capacity.
// Agents register, heartbeat and push data-plane summaries back; the only
// fully-specified media path is still local hosting, so selection is an
// extension point the signaling layer falls back from when the pool is
// empty.
package orch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/metrics"
)

// Agent is one registered media-capable process.
type Agent struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	LastSeen  time.Time `json:"last_seen"`

	conn *agentConn
}

// BatchSink receives aggregated data-plane summaries pushed by agents and
// re-broadcasts them to the affected rooms. Implemented by the signaling
// layer.
type BatchSink interface {
	BroadcastSpeaking(room domain.RoomID, user domain.UserID, ssrc domain.SSRC, speaking bool)
	BroadcastSSRC(room domain.RoomID, user domain.UserID, ssrcs domain.SSRCTriple)
	DeliverAnswer(user domain.UserID, sdp string)
}

type Orchestrator struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	mu     sync.RWMutex
	agents map[string]*Agent
	sink   BatchSink
}

func NewOrchestrator(hbInterval, hbTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		HeartbeatInterval: hbInterval,
		HeartbeatTimeout:  hbTimeout,
		agents:            make(map[string]*Agent),
	}
}

func (o *Orchestrator) SetSink(s BatchSink) { o.sink = s }

// Register adds an agent to the pool and returns its position.
func (o *Orchestrator) Register(a *Agent) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.LastSeen = time.Now()
	o.agents[a.ID] = a
	metrics.AgentsRegistered.Set(float64(len(o.agents)))
	log.Info().
		Str("module", "orch").
		Str("agent", a.ID).
		Str("addr", a.Address).
		Int("port", a.Port).
		Msg("agent registered")
	return len(o.agents) - 1
}

// Touch refreshes an agent's heartbeat deadline.
func (o *Orchestrator) Touch(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	if !ok {
		return false
	}
	a.LastSeen = time.Now()
	return true
}

func (o *Orchestrator) Remove(id string) {
	o.mu.Lock()
	a, ok := o.agents[id]
	if ok {
		delete(o.agents, id)
	}
	metrics.AgentsRegistered.Set(float64(len(o.agents)))
	o.mu.Unlock()
	if ok {
		log.Info().Str("module", "orch").Str("agent", id).Msg("agent removed")
		if a.conn != nil {
			a.conn.Close()
		}
	}
}

func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

// PickRandom returns a uniformly-random registered agent, or false if the
// pool is empty, in which case the caller hosts the room locally.
func (o *Orchestrator) PickRandom() (*Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.agents) == 0 {
		return nil, false
	}
	n := rand.IntN(len(o.agents))
	for _, a := range o.agents {
		if n == 0 {
			return a, true
		}
		n--
	}
	return nil, false
}

// Sweep evicts agents that have gone silent past the heartbeat timeout.
// Runs until ctx is canceled.
func (o *Orchestrator) Sweep(ctx context.Context) {
	ticker := time.NewTicker(o.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evictStale()
		}
	}
}

func (o *Orchestrator) evictStale() {
	deadline := time.Now().Add(-o.HeartbeatTimeout)
	o.mu.Lock()
	var stale []*Agent
	for id, a := range o.agents {
		if a.LastSeen.Before(deadline) {
			stale = append(stale, a)
			delete(o.agents, id)
		}
	}
	metrics.AgentsRegistered.Set(float64(len(o.agents)))
	o.mu.Unlock()

	for _, a := range stale {
		log.Warn().Str("module", "orch").Str("agent", a.ID).Msg("agent heartbeat timeout, evicted")
		if a.conn != nil {
			a.conn.Close()
		}
	}
}
