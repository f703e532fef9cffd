// Package domain contains entity types without logic, just meta-data.
package domain

import "fmt"

type (
	UserID    string
	GuildID   string
	ChannelID string

	// RoomID identifies one voice room. Guild voice channels use the
	// "{guild}-{channel}" form; DM and stream rooms pass an opaque id.
	RoomID string
)

func NewRoomID(guild GuildID, channel ChannelID) RoomID {
	return RoomID(fmt.Sprintf("%s-%s", guild, channel))
}

// SSRC tags packets belonging to one media stream.
type SSRC uint32

// SSRCTriple is the per-session stream id allocation: one audio stream,
// one video stream and its retransmission stream.
type SSRCTriple struct {
	Audio SSRC `json:"audio_ssrc"`
	Video SSRC `json:"video_ssrc"`
	RTX   SSRC `json:"rtx_ssrc"`
}
