package core

import "github.com/harmonix-chat/voice/internal/domain"

// VoiceSession is what the registry stores and other components fan out to:
// the session's identity, its negotiated dialect and its control socket.
type VoiceSession interface {
	User() domain.UserID
	Protocol() domain.TransportProtocol
	Conn() SignalConnection
}
