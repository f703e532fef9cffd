package signal

import (
	"encoding/json"

	"github.com/harmonix-chat/voice/internal/domain"
)

// Opcode is the numeric tag on every client envelope. The set is closed;
// dispatch is an exhaustive switch so a new opcode is a visible gap, not a
// silent no-op.
type Opcode int

const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpICECandidate       Opcode = 10
	OpSSRCUpdate         Opcode = 12
	OpClientDisconnect   Opcode = 13
)

// Close codes surfaced to clients. All failures look like one of these; no
// user-facing error text is part of the contract.
const (
	CloseUnknownOp            = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthFailed           = 4004
	CloseAlreadyAuthenticated = 4005
	CloseSessionInvalid       = 4006
	CloseSessionTimeout       = 4009
	CloseDisconnected         = 4014
)

type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type IdentifyPayload struct {
	UserID    domain.UserID `json:"user_id"`
	ServerID  string        `json:"server_id"`
	ChannelID string        `json:"channel_id,omitempty"`
	SessionID string        `json:"session_id"`
	Token     string        `json:"token"`
}

// RoomID composes the room key: guild voice channels use both ids, DM and
// stream rooms send an opaque server_id alone.
func (p IdentifyPayload) RoomID() domain.RoomID {
	if p.ChannelID != "" {
		return domain.NewRoomID(domain.GuildID(p.ServerID), domain.ChannelID(p.ChannelID))
	}
	return domain.RoomID(p.ServerID)
}

type SelectProtocolPayload struct {
	Protocol string          `json:"protocol"`
	SDP      string          `json:"sdp,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Codecs   []Codec         `json:"codecs,omitempty"`
}

type Codec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	PayloadType int    `json:"payload_type"`
}

// ProtocolData is the optional inner object on the legacy path; old clients
// use it to pick a cipher mode.
type ProtocolData struct {
	Mode string `json:"mode,omitempty"`
}

type ReadyPayload struct {
	SSRC  domain.SSRC `json:"ssrc"`
	IP    string      `json:"ip"`
	Port  int         `json:"port"`
	Modes []string    `json:"modes"`
}

type SessionDescriptionPayload struct {
	SDP        string          `json:"sdp,omitempty"`
	AudioCodec string          `json:"audio_codec,omitempty"`
	VideoCodec string          `json:"video_codec,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	SecretKey  []int           `json:"secret_key,omitempty"`
	Peers      []domain.UserID `json:"peers,omitempty"`
}

type SpeakingPayload struct {
	UserID   domain.UserID `json:"user_id,omitempty"`
	Speaking bool          `json:"speaking"`
	SSRC     domain.SSRC   `json:"ssrc"`
}

type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
}

type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type ICECandidatePayload struct {
	UserID        domain.UserID `json:"user_id"`
	Candidate     string        `json:"candidate"`
	SDPMid        string        `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16        `json:"sdpMLineIndex,omitempty"`
}

type SSRCUpdatePayload struct {
	AudioSSRC domain.SSRC   `json:"audio_ssrc"`
	VideoSSRC domain.SSRC   `json:"video_ssrc"`
	RTXSSRC   domain.SSRC   `json:"rtx_ssrc"`
	UserID    domain.UserID `json:"user_id,omitempty"`
}

type ClientDisconnectPayload struct {
	UserID domain.UserID `json:"user_id"`
}

// CipherModes advertised in READY, strongest first. "plain" survives for the
// oldest clients that negotiate but never encrypt.
func CipherModes() []string {
	return []string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix", "plain"}
}

func validCipherMode(mode string) bool {
	for _, m := range CipherModes() {
		if m == mode {
			return true
		}
	}
	return false
}

func makeEnvelope(op Opcode, d any) (Envelope, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: op, D: b}, nil
}
