package services

import (
	"context"
	"errors"
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackAttacher is the part of the peer connection that carries local tracks
type TrackAttacher interface {
	AddTrack(track ports.LocalTrack) error
	RemoveTrack(trackID string) error
}

// TrackAnnouncer publishes role changes of local tracks
type TrackAnnouncer interface {
	Announce(kind domain.AnnouncementKind, trackID string) error
}

type localTrack struct {
	track ports.LocalTrack
	role  domain.TrackRole
}

// MediaController attaches and detaches local tracks and routes remote tracks
// to surfaces. Like the Negotiator it is driven from one goroutine.
type MediaController struct {
	pc          TrackAttacher
	capture     ports.MediaCapture
	announcer   TrackAnnouncer
	remoteRoles *domain.RoleTable
	presenter   ports.Presenter
	logger      *zap.SugaredLogger

	camera []localTrack
	screen *localTrack

	remote       map[string]domain.RemoteTrack
	remoteCamera string
	remoteScreen string
	devices      []domain.Device

	// onEnded is how capture-side track endings re-enter the owner's
	// goroutine. Defaults to handling them inline.
	onEnded func(trackID string)
}

func NewMediaController(
	pc TrackAttacher,
	capture ports.MediaCapture,
	announcer TrackAnnouncer,
	remoteRoles *domain.RoleTable,
	presenter ports.Presenter,
	logger *zap.SugaredLogger,
) *MediaController {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &MediaController{
		pc:          pc,
		capture:     capture,
		announcer:   announcer,
		remoteRoles: remoteRoles,
		presenter:   presenter,
		logger:      logger.With("component", "media"),
		remote:      make(map[string]domain.RemoteTrack),
	}
	m.onEnded = m.HandleTrackEnded
	return m
}

// SetEndedHook replaces the route ended notifications take back to the
// controller.
func (m *MediaController) SetEndedHook(fn func(trackID string)) {
	m.onEnded = fn
}

// StartCamera captures camera and microphone and attaches both
func (m *MediaController) StartCamera(ctx context.Context, constraints domain.Constraints) error {
	if len(m.camera) > 0 {
		return domain.ErrCameraActive
	}

	tracks, err := m.capture.AcquireUserMedia(ctx, constraints)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", asMediaError(err))
	}

	stream := domain.MediaStream{Kind: domain.MediaKindVideo}
	for _, t := range tracks {
		role := domain.TrackRoleCamera
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			role = domain.TrackRoleAudio
		}
		if err := m.attach(t, role); err != nil {
			m.logger.Errorw("Failed to attach track", "track_id", t.ID(), "error", err)
			t.Stop()
			continue
		}
		m.camera = append(m.camera, localTrack{track: t, role: role})
		stream.ID = t.StreamID()
		stream.TrackIDs = append(stream.TrackIDs, t.ID())
	}

	if len(m.camera) == 0 {
		return fmt.Errorf("%w: no camera track could be attached", domain.ErrMediaAcquisition)
	}
	m.presenter.RenderLocalVideo(stream)
	return nil
}

// StopCamera detaches and stops the camera and microphone tracks
func (m *MediaController) StopCamera() {
	if len(m.camera) == 0 {
		return
	}
	for _, lt := range m.camera {
		m.detach(lt)
	}
	m.camera = nil
	m.presenter.Deactivate(domain.SurfaceLocalCamera)
}

// StartScreenShare captures the display and attaches it as the screen
// track. An active local share is stopped first. Sharing is refused while the
// peer is sharing.
func (m *MediaController) StartScreenShare(ctx context.Context) error {
	if m.PeerSharing() {
		return domain.ErrScreenShareBusy
	}
	if m.screen != nil {
		m.StopScreenShare()
	}

	tracks, err := m.capture.AcquireDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("acquire display: %w", asMediaError(err))
	}

	var chosen ports.LocalTrack
	for _, t := range tracks {
		if chosen == nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			chosen = t
			continue
		}
		t.Stop()
	}
	if chosen == nil {
		return fmt.Errorf("%w: display capture produced no video track", domain.ErrMediaAcquisition)
	}

	if err := m.attach(chosen, domain.TrackRoleScreen); err != nil {
		chosen.Stop()
		return err
	}
	m.screen = &localTrack{track: chosen, role: domain.TrackRoleScreen}
	m.logger.Infow("Screen share started", "track_id", chosen.ID())
	return nil
}

// StopScreenShare detaches the local screen track, if any
func (m *MediaController) StopScreenShare() {
	if m.screen == nil {
		return
	}
	screen := *m.screen
	m.screen = nil
	m.detach(screen)
	m.logger.Infow("Screen share stopped", "track_id", screen.track.ID())
}

func (m *MediaController) Sharing() bool {
	return m.screen != nil
}

// PeerSharing reports whether the peer has an announced screen track
func (m *MediaController) PeerSharing() bool {
	for _, role := range m.remoteRoles.Snapshot() {
		if role == domain.TrackRoleScreen {
			return true
		}
	}
	return false
}

func (m *MediaController) CameraActive() bool {
	return len(m.camera) > 0
}

// HandleTrackEnded handles the capture side ending a local track
func (m *MediaController) HandleTrackEnded(trackID string) {
	if m.screen != nil && m.screen.track.ID() == trackID {
		m.StopScreenShare()
		return
	}

	for i, lt := range m.camera {
		if lt.track.ID() != trackID {
			continue
		}
		m.detach(lt)
		m.camera = append(m.camera[:i], m.camera[i+1:]...)
		if len(m.camera) == 0 {
			m.presenter.Deactivate(domain.SurfaceLocalCamera)
		}
		return
	}
}

// HandleRemoteTrack routes a newly received remote track by its announced
// role. Video without a screen role goes to the remote camera surface.
func (m *MediaController) HandleRemoteTrack(track domain.RemoteTrack) {
	m.remote[track.ID] = track
	stream := domain.MediaStream{ID: track.StreamID, TrackIDs: []string{track.ID}, Kind: track.Kind}

	if track.Kind == domain.MediaKindAudio {
		m.presenter.AttachAudio(stream)
		return
	}

	if role, ok := m.remoteRoles.Lookup(track.ID); ok && role == domain.TrackRoleScreen {
		m.showRemoteScreen(track)
		return
	}

	m.remoteCamera = track.ID
	m.presenter.RenderRemoteVideo(stream)
}

// RemoteRoleAssigned moves an already rendered remote track when its screen
// announcement arrives after the track.
func (m *MediaController) RemoteRoleAssigned(trackID string, role domain.TrackRole) {
	if role != domain.TrackRoleScreen {
		return
	}
	m.presenter.SetScreenShareAvailable(false)

	track, ok := m.remote[trackID]
	if !ok || m.remoteScreen == trackID {
		return
	}
	if m.remoteCamera == trackID {
		m.remoteCamera = ""
		m.presenter.Deactivate(domain.SurfaceRemoteCamera)
	}
	m.showRemoteScreen(track)
}

// RemoteTrackRetired deactivates the surface showing a removed remote track
func (m *MediaController) RemoteTrackRetired(trackID string, role domain.TrackRole) {
	delete(m.remote, trackID)

	switch role {
	case domain.TrackRoleScreen:
		if m.remoteScreen == trackID || m.remoteScreen == "" {
			m.remoteScreen = ""
			m.presenter.Deactivate(domain.SurfaceScreenShare)
			m.presenter.SetScreenShareAvailable(true)
		}
	case domain.TrackRoleCamera:
		if m.remoteCamera == trackID || m.remoteCamera == "" {
			m.remoteCamera = ""
			m.presenter.Deactivate(domain.SurfaceRemoteCamera)
		}
	}
}

// RefreshDevices re-enumerates capture devices and returns them
func (m *MediaController) RefreshDevices(ctx context.Context) ([]domain.Device, error) {
	devices, err := m.capture.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", asMediaError(err))
	}
	m.devices = devices
	for _, d := range devices {
		m.logger.Infow("Capture device", "kind", d.Kind, "label", d.Label, "id", d.ID)
	}
	return devices, nil
}

func (m *MediaController) Devices() []domain.Device {
	return m.devices
}

// Close stops every local track without announcing
func (m *MediaController) Close() {
	for _, lt := range m.camera {
		lt.track.Stop()
	}
	m.camera = nil
	if m.screen != nil {
		m.screen.track.Stop()
		m.screen = nil
	}
}

func (m *MediaController) showRemoteScreen(track domain.RemoteTrack) {
	m.remoteScreen = track.ID
	m.presenter.RenderScreenShare(domain.MediaStream{
		ID:       track.StreamID,
		TrackIDs: []string{track.ID},
		Kind:     domain.MediaKindVideo,
	})
	m.presenter.SetScreenShareAvailable(false)
}

// attach adds the track to the connection, then announces it
func (m *MediaController) attach(t ports.LocalTrack, role domain.TrackRole) error {
	if err := m.pc.AddTrack(t); err != nil {
		return fmt.Errorf("%w: add track: %v", domain.ErrDescriptionRejected, err)
	}

	id := t.ID()
	t.OnEnded(func() { m.onEnded(id) })

	if err := m.announcer.Announce(domain.AddedKind(role), id); err != nil {
		m.logger.Debugw("Track attached before announcement could be delivered", "track_id", id, "error", err)
	}
	return nil
}

// detach removes the track from the connection, stops it and announces it
func (m *MediaController) detach(lt localTrack) {
	id := lt.track.ID()
	if err := m.pc.RemoveTrack(id); err != nil {
		m.logger.Warnw("Failed to remove track", "track_id", id, "error", err)
	}
	lt.track.Stop()

	if err := m.announcer.Announce(domain.RemovedKind(lt.role), id); err != nil {
		m.logger.Debugw("Removal not announced", "track_id", id, "error", err)
	}
}

func asMediaError(err error) error {
	if errors.Is(err, domain.ErrMediaAcquisition) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
}
