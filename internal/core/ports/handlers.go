package ports

import (
	"peercall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Presenter renders session state for the user
type Presenter interface {
	RenderLocalVideo(stream domain.MediaStream)
	RenderRemoteVideo(stream domain.MediaStream)
	RenderScreenShare(stream domain.MediaStream)
	AttachAudio(stream domain.MediaStream)
	Deactivate(surface domain.Surface)
	AppendChatLine(author, text string)
	SetConnectionIndicator(state webrtc.PeerConnectionState)
	SetScreenShareAvailable(available bool)
	ReportError(err error)
}

// EventSink receives the asynchronous events of a peer connection. Calls may
// arrive on any goroutine.
type EventSink interface {
	NegotiationNeeded()
	// LocalCandidate is called with nil once gathering completes.
	LocalCandidate(candidate *webrtc.ICECandidateInit)
	ConnectionStateChanged(state webrtc.PeerConnectionState)
	DataChannelReceived(channel DirectChannel)
	ChannelOpened(channel DirectChannel)
	ChannelClosed(channel DirectChannel)
	ChannelMessage(channel DirectChannel, data []byte)
	RemoteTrack(track domain.RemoteTrack)
}
