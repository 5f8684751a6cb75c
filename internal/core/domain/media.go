package domain

// Surface is a place where the presentation layer shows media
type Surface string

const (
	SurfaceLocalCamera  Surface = "local_camera"
	SurfaceRemoteCamera Surface = "remote_camera"
	SurfaceScreenShare  Surface = "screen_share"
	SurfaceAudioSink    Surface = "audio_sink"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

type MediaStream struct {
	ID       string
	TrackIDs []string
	Kind     MediaKind
}

// RemoteTrack describes a track received from the peer
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     MediaKind
}

type DeviceKind string

const (
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

type Device struct {
	ID    string
	Kind  DeviceKind
	Label string
}

// Constraints selects which user media to capture
type Constraints struct {
	Audio bool
	Video bool
}

// ChannelState mirrors the direct channel lifecycle
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)
