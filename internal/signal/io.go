package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
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
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(s.ID)).Msg("readPump done")
				return
			}
			ctl.handleFrame(s, data)
		}
	}
}

// handleFrame dispatches one client envelope. Every opcode in the protocol
// appears here; server-to-client opcodes arriving from a client are a
// protocol violation like any other unknown op.
func (ctl *Controller) handleFrame(s *Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.ID)).Msg("malformed envelope")
		ctl.closeSession(s, CloseDecodeError)
		return
	}

	switch env.Op {
	case OpIdentify:
		ctl.handleIdentify(s, env.D)
	case OpSelectProtocol:
		ctl.handleSelectProtocol(s, env.D)
	case OpHeartbeat:
		ctl.handleHeartbeat(s, env.D)
	case OpSpeaking:
		ctl.handleSpeaking(s, env.D)
	case OpResume:
		ctl.handleResume(s, env.D)
	case OpICECandidate:
		ctl.handleICECandidate(s, env.D)
	case OpSSRCUpdate:
		ctl.handleSSRCUpdate(s, env.D)
	case OpReady, OpSessionDescription, OpHeartbeatAck, OpHello, OpResumed, OpClientDisconnect:
		log.Warn().Str("module", "signal").Str("sid", string(s.ID)).Int("op", int(env.Op)).Msg("server-only opcode from client")
		ctl.closeSession(s, CloseUnknownOp)
	default:
		log.Warn().Str("module", "signal").Str("sid", string(s.ID)).Int("op", int(env.Op)).Msg("unknown opcode")
		ctl.closeSession(s, CloseUnknownOp)
	}
}

// handleHeartbeat acknowledges the nonce and re-arms the silence timer.
func (ctl *Controller) handleHeartbeat(s *Session, d json.RawMessage) {
	s.touchHeartbeat(ctl.Cfg.HeartbeatTimeout)
	env := Envelope{Op: OpHeartbeatAck, D: d}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = s.conn.TrySend(b)
}
