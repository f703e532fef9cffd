package orch

import (
	"encoding/json"

	"github.com/harmonix-chat/voice/internal/domain"
)

// Agent control messages are string-tagged JSON envelopes, unlike the
// numeric client opcodes: agents are deployed in lockstep with the server,
// so the tag set can stay readable.
const (
	OpIdentify      = "IDENTIFY"
	OpAlright       = "ALRIGHT"
	OpHeartbeatInfo = "HEARTBEAT_INFO"
	OpHeartbeat     = "HEARTBEAT"
	OpHeartbeatAck  = "HEARTBEAT_ACK"
	OpAnswer        = "ANSWER"
	OpVideoBatch    = "VIDEO_BATCH"
	OpSpeakingBatch = "SPEAKING_BATCH"
)

type Envelope struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type IdentifyPayload struct {
	Address   string  `json:"address"`
	Port      int     `json:"port"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// SFUConfig is the configuration a registering agent should run its local
// SFU with.
type SFUConfig struct {
	PublicIP       string `json:"public_ip"`
	WorkerCount    int    `json:"worker_count"`
	ConnectTimeout int    `json:"connect_timeout_ms"`
}

type AlrightPayload struct {
	AgentID string    `json:"agent_id"`
	Index   int       `json:"index"`
	SFU     SFUConfig `json:"sfu"`
}

type HeartbeatInfoPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type AnswerPayload struct {
	UserID domain.UserID `json:"user_id"`
	RoomID domain.RoomID `json:"room_id"`
	SDP    string        `json:"sdp"`
}

type SpeakingBatchEntry struct {
	RoomID   domain.RoomID `json:"room_id"`
	UserID   domain.UserID `json:"user_id"`
	SSRC     domain.SSRC   `json:"ssrc"`
	Speaking bool          `json:"speaking"`
}

type VideoBatchEntry struct {
	RoomID domain.RoomID `json:"room_id"`
	UserID domain.UserID `json:"user_id"`
	SSRCs  domain.SSRCTriple
}

func (e VideoBatchEntry) MarshalJSON() ([]byte, error) {
	type alias struct {
		RoomID    domain.RoomID `json:"room_id"`
		UserID    domain.UserID `json:"user_id"`
		AudioSSRC domain.SSRC   `json:"audio_ssrc"`
		VideoSSRC domain.SSRC   `json:"video_ssrc"`
		RTXSSRC   domain.SSRC   `json:"rtx_ssrc"`
	}
	return json.Marshal(alias{e.RoomID, e.UserID, e.SSRCs.Audio, e.SSRCs.Video, e.SSRCs.RTX})
}

func (e *VideoBatchEntry) UnmarshalJSON(b []byte) error {
	var a struct {
		RoomID    domain.RoomID `json:"room_id"`
		UserID    domain.UserID `json:"user_id"`
		AudioSSRC domain.SSRC   `json:"audio_ssrc"`
		VideoSSRC domain.SSRC   `json:"video_ssrc"`
		RTXSSRC   domain.SSRC   `json:"rtx_ssrc"`
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	e.RoomID = a.RoomID
	e.UserID = a.UserID
	e.SSRCs = domain.SSRCTriple{Audio: a.AudioSSRC, Video: a.VideoSSRC, RTX: a.RTXSSRC}
	return nil
}
