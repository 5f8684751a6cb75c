package services

import (
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RemoteSurfaces is notified when the peer's announcements change the role
// of one of its tracks.
type RemoteSurfaces interface {
	RemoteRoleAssigned(trackID string, role domain.TrackRole)
	RemoteTrackRetired(trackID string, role domain.TrackRole)
}

// Announcer speaks the track announcement and chat protocol over the direct
// channel. Messages are sent only while the channel is open; anything sent
// earlier is dropped until Resync.
type Announcer struct {
	channel ports.DirectChannel
	local   *domain.RoleTable
	remote  *domain.RoleTable
	// delivered is the local table as the peer last heard it
	delivered map[string]domain.TrackRole
	surfaces  RemoteSurfaces
	presenter ports.Presenter
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
}

func NewAnnouncer(
	local, remote *domain.RoleTable,
	surfaces RemoteSurfaces,
	presenter ports.Presenter,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Announcer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Announcer{
		local:     local,
		remote:    remote,
		delivered: make(map[string]domain.TrackRole),
		surfaces:  surfaces,
		presenter: presenter,
		metrics:   metrics,
		logger:    logger.With("component", "announcer"),
	}
}

// Attach binds the announcer to the direct channel
func (a *Announcer) Attach(ch ports.DirectChannel) {
	a.channel = ch
	a.logger.Infow("Direct channel attached", "label", ch.Label(), "state", ch.ReadyState().String())
}

// Detach forgets ch if it is the attached channel
func (a *Announcer) Detach(ch ports.DirectChannel) {
	if a.channel == ch {
		a.channel = nil
	}
}

func (a *Announcer) Channel() ports.DirectChannel {
	return a.channel
}

func (a *Announcer) State() domain.ChannelState {
	if a.channel == nil {
		return domain.ChannelClosed
	}
	switch a.channel.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return domain.ChannelOpen
	case webrtc.DataChannelStateClosing:
		return domain.ChannelClosing
	case webrtc.DataChannelStateClosed:
		return domain.ChannelClosed
	default:
		return domain.ChannelConnecting
	}
}

// Announce tells the peer that a local track took or left a role. The local
// role table is updated whether or not the message could be delivered.
func (a *Announcer) Announce(kind domain.AnnouncementKind, trackID string) error {
	role, ok := kind.Role()
	if !ok {
		return fmt.Errorf("%w: %q is not a track announcement", domain.ErrMalformedAnnouncement, kind)
	}
	if trackID == "" {
		return fmt.Errorf("%w: empty track id", domain.ErrMalformedAnnouncement)
	}

	if kind.IsAdded() {
		a.local.Assign(trackID, role)
	} else {
		a.local.Remove(trackID)
	}

	return a.send(domain.Announcement{Kind: kind, Value: trackID})
}

// SendChat sends a chat line and echoes it locally once sent
func (a *Announcer) SendChat(text string) error {
	if err := a.send(domain.Announcement{Kind: domain.AnnounceMessage, Value: text}); err != nil {
		return err
	}
	a.presenter.AppendChatLine("me", text)
	return nil
}

// Resync sends whatever the peer missed while the channel was not open:
// removals of tracks it was told about first, then additions it never got.
// It returns the number of announcements sent.
func (a *Announcer) Resync() int {
	current := a.local.Snapshot()
	sent := 0

	for trackID, role := range a.delivered {
		if now, ok := current[trackID]; ok && now == role {
			continue
		}
		if err := a.send(domain.Announcement{Kind: domain.RemovedKind(role), Value: trackID}); err == nil {
			sent++
		}
	}
	for trackID, role := range current {
		if prev, ok := a.delivered[trackID]; ok && prev == role {
			continue
		}
		if err := a.send(domain.Announcement{Kind: domain.AddedKind(role), Value: trackID}); err == nil {
			sent++
		}
	}

	if sent > 0 {
		a.logger.Infow("Resynced local tracks", "count", sent)
	}
	return sent
}

// HandleMessage processes one inbound direct channel message
func (a *Announcer) HandleMessage(data []byte) error {
	ann, err := domain.ParseAnnouncement(data)
	if err != nil {
		a.metrics.ProtocolViolation("malformed_announcement")
		return err
	}
	a.metrics.AnnouncementReceived(ann.Kind)

	switch {
	case ann.Kind == domain.AnnounceMessage:
		a.presenter.AppendChatLine("peer", ann.Value)

	case ann.Kind.IsAdded():
		role, _ := ann.Kind.Role()
		if prev, replaced := a.remote.Assign(ann.Value, role); replaced {
			a.logger.Warnw("Remote track changed role", "track_id", ann.Value, "from", prev, "to", role)
		}
		a.surfaces.RemoteRoleAssigned(ann.Value, role)

	case ann.Kind.IsRemoved():
		role, ok := a.remote.Remove(ann.Value)
		if !ok {
			a.metrics.ProtocolViolation("unknown_track_removed")
			return fmt.Errorf("%w: %s", domain.ErrUnknownTrack, ann.Value)
		}
		a.surfaces.RemoteTrackRetired(ann.Value, role)
	}
	return nil
}

func (a *Announcer) send(ann domain.Announcement) error {
	if a.channel == nil || a.channel.ReadyState() != webrtc.DataChannelStateOpen {
		a.metrics.AnnouncementDropped(ann.Kind)
		return fmt.Errorf("%w: dropping %s", domain.ErrChannelNotOpen, ann.Kind)
	}

	data, err := ann.Marshal()
	if err != nil {
		return err
	}
	if err := a.channel.SendText(string(data)); err != nil {
		a.metrics.AnnouncementDropped(ann.Kind)
		return fmt.Errorf("%w: %v", domain.ErrChannelNotOpen, err)
	}

	a.metrics.AnnouncementSent(ann.Kind)
	if role, ok := ann.Kind.Role(); ok {
		if ann.Kind.IsAdded() {
			a.delivered[ann.Value] = role
		} else {
			delete(a.delivered, ann.Value)
		}
	}
	return nil
}
