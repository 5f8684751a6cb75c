package ports

import (
	"peercall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the session
// drives. Descriptions and candidates use pion's wire types.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(track LocalTrack) error
	RemoveTrack(trackID string) error
	// AddReceiver adds a receive-only slot for one incoming track of kind.
	// The next offer carries it, so a track the peer attached can bind to it.
	AddReceiver(kind domain.MediaKind) error
	CreateDirectChannel(label string) (DirectChannel, error)
	Close() error
}

// DirectChannel is an ordered reliable message channel between the peers.
// *webrtc.DataChannel satisfies it.
type DirectChannel interface {
	Label() string
	SendText(text string) error
	ReadyState() webrtc.DataChannelState
	Close() error
}

// LocalTrack is a captured track that can be attached to the connection
type LocalTrack interface {
	webrtc.TrackLocal
	// Stop releases the capture device. It does not fire the ended callback.
	Stop()
	// OnEnded registers fn for the capture side ending the track on its own.
	OnEnded(fn func())
}
