package orch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// agentConn is the websocket control channel to one agent, same
// send-channel backpressure contract as the client signaling socket.
type agentConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *agentConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *agentConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller serves the /api/ws/agent control channel.
type Controller struct {
	Orch *Orchestrator
	// SFU configuration handed to registering agents.
	SFU SFUConfig
}

func NewController(o *Orchestrator, sfu SFUConfig) *Controller {
	return &Controller{Orch: o, SFU: sfu}
}

func (ctl *Controller) HandleAgent(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("ws upgrade")
		return
	}

	conn := &agentConn{conn: ws, send: make(chan []byte, 32)}
	agentID := uuid.NewString()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		defer ctl.Orch.Remove(agentID)
		defer conn.Close()
		ctl.readPump(ctx, agentID, conn)
	}()
}

func (ctl *Controller) writePump(ctx context.Context, c *agentConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, agentID string, c *agentConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "orch").Str("agent", agentID).Msg("control channel closed")
				return
			}
			ctl.handleMessage(agentID, c, data)
		}
	}
}

func (ctl *Controller) handleMessage(agentID string, c *agentConn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("bad agent json")
		return
	}

	switch env.Op {
	case OpIdentify:
		ctl.handleIdentify(agentID, c, env.D)
	case OpHeartbeat:
		if !ctl.Orch.Touch(agentID) {
			log.Warn().Str("module", "orch").Str("agent", agentID).Msg("heartbeat before identify")
			return
		}
		ctl.send(c, Envelope{Op: OpHeartbeatAck, D: env.D})
	case OpAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(env.D, &p); err != nil {
			return
		}
		if ctl.Orch.sink != nil {
			ctl.Orch.sink.DeliverAnswer(p.UserID, p.SDP)
		}
	case OpSpeakingBatch:
		var batch []SpeakingBatchEntry
		if err := json.Unmarshal(env.D, &batch); err != nil {
			return
		}
		if ctl.Orch.sink == nil {
			return
		}
		for _, e := range batch {
			ctl.Orch.sink.BroadcastSpeaking(e.RoomID, e.UserID, e.SSRC, e.Speaking)
		}
	case OpVideoBatch:
		var batch []VideoBatchEntry
		if err := json.Unmarshal(env.D, &batch); err != nil {
			return
		}
		if ctl.Orch.sink == nil {
			return
		}
		for _, e := range batch {
			ctl.Orch.sink.BroadcastSSRC(e.RoomID, e.UserID, e.SSRCs)
		}
	case OpAlright, OpHeartbeatAck, OpHeartbeatInfo:
		// Server-to-agent only; an agent echoing them back is noise.
	default:
		log.Warn().Str("module", "orch").Str("op", env.Op).Msg("unknown agent op")
	}
}

func (ctl *Controller) handleIdentify(agentID string, c *agentConn, d json.RawMessage) {
	var p IdentifyPayload
	if err := json.Unmarshal(d, &p); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("bad identify payload")
		return
	}

	index := ctl.Orch.Register(&Agent{
		ID:        agentID,
		Address:   p.Address,
		Port:      p.Port,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		conn:      c,
	})

	ctl.send(c, makeEnvelope(OpAlright, AlrightPayload{AgentID: agentID, Index: index, SFU: ctl.SFU}))
	ctl.send(c, makeEnvelope(OpHeartbeatInfo, HeartbeatInfoPayload{
		HeartbeatInterval: ctl.Orch.HeartbeatInterval.Milliseconds(),
	}))
}

func (ctl *Controller) send(c *agentConn, env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal envelope")
		return
	}
	_ = c.TrySend(b)
}

func makeEnvelope(op string, d any) Envelope {
	b, _ := json.Marshal(d)
	return Envelope{Op: op, D: b}
}
