package domain

import (
	"errors"
	"fmt"
)

// Categories. Specific errors below wrap exactly one of them so callers can
// classify with errors.Is.
var (
	ErrTransport         = errors.New("transport error")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrMediaAcquisition  = errors.New("media acquisition failed")
)

var (
	ErrSignalingNotOpen = fmt.Errorf("%w: signaling channel not open", ErrTransport)
	ErrChannelNotOpen   = fmt.Errorf("%w: direct channel not open", ErrTransport)
	ErrConnectionLost   = fmt.Errorf("%w: peer connection lost", ErrTransport)

	ErrMalformedEnvelope     = fmt.Errorf("%w: malformed signaling envelope", ErrProtocolViolation)
	ErrUnknownSignalKind     = fmt.Errorf("%w: unknown signaling kind", ErrProtocolViolation)
	ErrMalformedDescription  = fmt.Errorf("%w: malformed session description", ErrProtocolViolation)
	ErrMalformedCandidate    = fmt.Errorf("%w: malformed ice candidate", ErrProtocolViolation)
	ErrUnexpectedAnswer      = fmt.Errorf("%w: answer without outstanding offer", ErrProtocolViolation)
	ErrUnexpectedOffer       = fmt.Errorf("%w: offer sent to the offering side", ErrProtocolViolation)
	ErrMalformedAnnouncement = fmt.Errorf("%w: malformed announcement", ErrProtocolViolation)
	ErrUnknownTrack          = fmt.Errorf("%w: removal for unannounced track", ErrProtocolViolation)

	ErrDescriptionRejected = fmt.Errorf("%w: description rejected by engine", ErrNegotiationFailed)
	ErrNegotiationTimeout  = fmt.Errorf("%w: no answer before deadline", ErrNegotiationFailed)

	ErrPermissionDenied = fmt.Errorf("%w: permission denied", ErrMediaAcquisition)
	ErrDeviceNotFound   = fmt.Errorf("%w: device not found", ErrMediaAcquisition)
)

// Errors that are not failures but refusals of a command in the current state.
var (
	ErrNegotiationInProgress = errors.New("negotiation already in progress")
	ErrNotOfferer            = errors.New("only the offering side starts negotiation")
	ErrScreenShareBusy       = errors.New("remote peer is sharing its screen")
	ErrCameraActive          = errors.New("camera already started")
	ErrSessionClosed         = errors.New("session closed")
)
