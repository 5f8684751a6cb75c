package ports

import (
	"context"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/subscription"
)

// Signaler carries envelopes to the other party through the relay
type Signaler interface {
	// Send transmits immediately. Envelopes sent while the channel is not
	// open are dropped.
	Send(env domain.Envelope)
	Subscribe(fn func(domain.Envelope)) subscription.ID
	Unsubscribe(id subscription.ID)
}

type MediaCapture interface {
	AcquireUserMedia(ctx context.Context, constraints domain.Constraints) ([]LocalTrack, error)
	AcquireDisplayMedia(ctx context.Context) ([]LocalTrack, error)
	EnumerateDevices(ctx context.Context) ([]domain.Device, error)
	OnDeviceChange(fn func()) subscription.ID
	RemoveDeviceChangeHandler(id subscription.ID)
}

type Metrics interface {
	NegotiationStarted(trigger string)
	NegotiationSettled(duration time.Duration)
	NegotiationFailed(reason string)
	SignalSent(kind domain.SignalKind)
	SignalReceived(kind domain.SignalKind)
	AnnouncementSent(kind domain.AnnouncementKind)
	AnnouncementReceived(kind domain.AnnouncementKind)
	AnnouncementDropped(kind domain.AnnouncementKind)
	ProtocolViolation(reason string)
	ConnectionStateChanged(state string)
	RTPReceived(kind domain.MediaKind, bytes int)
}
