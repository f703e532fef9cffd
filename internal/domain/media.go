package domain

// MediaKind distinguishes the streams a client can publish in a room.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)
