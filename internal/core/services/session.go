package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/subscription"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type SessionConfig struct {
	Role               domain.SessionRole
	ChannelLabel       string
	NegotiationTimeout time.Duration
	// RetryInterval spaces the offerer's new offers after a timeout
	RetryInterval time.Duration
	EventBuffer   int
}

// Events processed by the session loop
type (
	EnvelopeReceived  struct{ Envelope domain.Envelope }
	NegotiationNeeded struct{}
	LocalCandidate    struct{ Candidate *webrtc.ICECandidateInit }
	ConnectionChanged struct{ State webrtc.PeerConnectionState }
	ChannelAnnounced  struct{ Channel ports.DirectChannel }
	ChannelOpened     struct{ Channel ports.DirectChannel }
	ChannelClosed     struct{ Channel ports.DirectChannel }
	ChannelMessage    struct {
		Channel ports.DirectChannel
		Data    []byte
	}
	RemoteTrackAdded struct{ Track domain.RemoteTrack }
	LocalTrackEnded  struct{ TrackID string }
	DevicesChanged   struct{}

	timerFired struct{ fn func() error }
	command    struct {
		fn    func() error
		reply chan error
	}
)

// Session owns one call: the peer connection, both role tables, the
// negotiator, the announcer and the media controller. Every event and command
// runs on the goroutine executing Run, one at a time.
type Session struct {
	cfg       SessionConfig
	pc        ports.PeerConnection
	signaler  ports.Signaler
	capture   ports.MediaCapture
	presenter ports.Presenter
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	localRoles  *domain.RoleTable
	remoteRoles *domain.RoleTable
	negotiator  *Negotiator
	announcer   *Announcer
	media       *MediaController
	// remote tracks the offerer opened a receive slot for
	receiving map[string]struct{}

	events       chan any
	done         chan struct{}
	running      atomic.Bool
	closeOnce    sync.Once
	teardownOnce sync.Once
	signalSub    subscription.ID
	deviceSub    subscription.ID
}

func NewSession(
	cfg SessionConfig,
	pc ports.PeerConnection,
	signaler ports.Signaler,
	capture ports.MediaCapture,
	presenter ports.Presenter,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = "chat"
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Session{
		cfg:         cfg,
		pc:          pc,
		signaler:    signaler,
		capture:     capture,
		presenter:   presenter,
		metrics:     metrics,
		logger:      logger.With("role", cfg.Role),
		localRoles:  domain.NewRoleTable(),
		remoteRoles: domain.NewRoleTable(),
		receiving:   make(map[string]struct{}),
		events:      make(chan any, cfg.EventBuffer),
		done:        make(chan struct{}),
	}

	s.negotiator = NewNegotiator(
		NegotiatorConfig{Role: cfg.Role, Timeout: cfg.NegotiationTimeout, RetryInterval: cfg.RetryInterval},
		pc, signaler, s.schedule, metrics, logger,
	)
	s.media = NewMediaController(pc, capture, nil, s.remoteRoles, presenter, logger)
	s.announcer = NewAnnouncer(s.localRoles, s.remoteRoles, s, presenter, metrics, logger)
	s.media.announcer = s.announcer
	s.media.SetEndedHook(func(trackID string) { s.post(LocalTrackEnded{TrackID: trackID}) })

	s.negotiator.OnTransition(func(t domain.NegotiationTransition) {
		s.logger.Infow("Negotiation", "from", t.From, "to", t.To)
	})

	return s
}

func (s *Session) Negotiator() *Negotiator { return s.negotiator }

func (s *Session) Announcer() *Announcer { return s.announcer }

func (s *Session) Media() *MediaController { return s.media }

func (s *Session) RemoteRoles() *domain.RoleTable { return s.remoteRoles }

func (s *Session) LocalRoles() *domain.RoleTable { return s.localRoles }

// Start subscribes to signaling and device changes. The offering side also
// creates the direct channel, which makes the engine ask for the first
// negotiation. Start must be called before Run.
func (s *Session) Start() error {
	s.signalSub = s.signaler.Subscribe(func(env domain.Envelope) {
		s.post(EnvelopeReceived{Envelope: env})
	})
	if s.capture != nil {
		s.deviceSub = s.capture.OnDeviceChange(func() { s.post(DevicesChanged{}) })
	}

	if s.cfg.Role != domain.RoleOfferer {
		return nil
	}

	ch, err := s.pc.CreateDirectChannel(s.cfg.ChannelLabel)
	if err != nil {
		return apperrors.NewNegotiationError(err, "create direct channel")
	}
	s.announcer.Attach(ch)
	return nil
}

// Run processes events until ctx is cancelled or Close is called. The
// session is torn down when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			s.closeOnce.Do(func() { close(s.done) })
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.events:
			s.report(s.dispatch(ev))
		}
	}
}

// Close stops the session. It is safe to call more than once and from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	if !s.running.Load() {
		s.teardown()
	}
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.signaler.Unsubscribe(s.signalSub)
		if s.capture != nil {
			s.capture.RemoveDeviceChangeHandler(s.deviceSub)
		}
		s.negotiator.Close()
		s.media.Close()
		if ch := s.announcer.Channel(); ch != nil {
			_ = ch.Close()
		}
		if err := s.pc.Close(); err != nil {
			s.logger.Warnw("Failed to close peer connection", "error", err)
		}
		s.logger.Infow("Session closed")
	})
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Commands. Each runs on the session loop and returns its result.

func (s *Session) Initiate(ctx context.Context) error {
	return s.exec(ctx, s.negotiator.Initiate)
}

func (s *Session) StartCamera(ctx context.Context, constraints domain.Constraints) error {
	return s.exec(ctx, func() error { return s.media.StartCamera(ctx, constraints) })
}

func (s *Session) StopCamera(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.media.StopCamera()
		return nil
	})
}

// ToggleScreenShare stops an active local share or starts a new one
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	return s.exec(ctx, func() error {
		if s.media.Sharing() {
			s.media.StopScreenShare()
			return nil
		}
		return s.media.StartScreenShare(ctx)
	})
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.exec(ctx, func() error { return s.media.StartScreenShare(ctx) })
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.media.StopScreenShare()
		return nil
	})
}

func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.exec(ctx, func() error { return s.announcer.SendChat(text) })
}

func (s *Session) RefreshDevices(ctx context.Context) ([]domain.Device, error) {
	var devices []domain.Device
	err := s.exec(ctx, func() error {
		var err error
		devices, err = s.media.RefreshDevices(ctx)
		return err
	})
	return devices, err
}

// RemoteRoleAssigned passes a peer announcement to the media controller.
// The answerer never offers, so on the offering side every newly announced
// track also gets a receive slot; the engine then asks for the offer that
// carries it.
func (s *Session) RemoteRoleAssigned(trackID string, role domain.TrackRole) {
	s.media.RemoteRoleAssigned(trackID, role)
	if !s.cfg.Role.Offers() {
		return
	}
	if _, ok := s.receiving[trackID]; ok {
		return
	}
	if err := s.pc.AddReceiver(role.Kind()); err != nil {
		s.report(fmt.Errorf("%w: add receiver for %s: %v", domain.ErrDescriptionRejected, trackID, err))
		return
	}
	s.receiving[trackID] = struct{}{}
}

// RemoteTrackRetired passes a peer removal to the media controller. The
// offering side renegotiates so the stopped sender is reflected.
func (s *Session) RemoteTrackRetired(trackID string, role domain.TrackRole) {
	s.media.RemoteTrackRetired(trackID, role)
	if !s.cfg.Role.Offers() {
		return
	}
	delete(s.receiving, trackID)
	s.report(s.negotiator.HandleNegotiationNeeded())
}

// ports.EventSink

func (s *Session) NegotiationNeeded() { s.post(NegotiationNeeded{}) }

func (s *Session) LocalCandidate(c *webrtc.ICECandidateInit) { s.post(LocalCandidate{Candidate: c}) }

func (s *Session) ConnectionStateChanged(state webrtc.PeerConnectionState) {
	s.post(ConnectionChanged{State: state})
}

func (s *Session) DataChannelReceived(ch ports.DirectChannel) { s.post(ChannelAnnounced{Channel: ch}) }

func (s *Session) ChannelOpened(ch ports.DirectChannel) { s.post(ChannelOpened{Channel: ch}) }

func (s *Session) ChannelClosed(ch ports.DirectChannel) { s.post(ChannelClosed{Channel: ch}) }

func (s *Session) ChannelMessage(ch ports.DirectChannel, data []byte) {
	s.post(ChannelMessage{Channel: ch, Data: data})
}

func (s *Session) RemoteTrack(track domain.RemoteTrack) { s.post(RemoteTrackAdded{Track: track}) }

// Post queues ev for the session loop. It blocks while the queue is full and
// drops ev once the session is closed.
func (s *Session) Post(ev any) {
	s.post(ev)
}

func (s *Session) post(ev any) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *Session) exec(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}

	select {
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- cmd:
	}

	select {
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-cmd.reply:
		return err
	}
}

// schedule arms a timer whose callback runs on the session loop
func (s *Session) schedule(d time.Duration, fn func() error) func() {
	t := time.AfterFunc(d, func() { s.post(timerFired{fn: fn}) })
	return func() { t.Stop() }
}

func (s *Session) dispatch(ev any) error {
	switch e := ev.(type) {
	case EnvelopeReceived:
		return s.handleEnvelope(e.Envelope)

	case NegotiationNeeded:
		return s.negotiator.HandleNegotiationNeeded()

	case LocalCandidate:
		return s.negotiator.HandleLocalCandidate(e.Candidate)

	case ConnectionChanged:
		err := s.negotiator.HandleConnectionState(e.State)
		if e.State == webrtc.PeerConnectionStateConnected {
			s.presenter.SetConnectionIndicator(e.State)
		}
		return err

	case ChannelAnnounced:
		if e.Channel.Label() != s.cfg.ChannelLabel {
			s.logger.Warnw("Ignoring unexpected direct channel", "label", e.Channel.Label())
			return nil
		}
		s.announcer.Attach(e.Channel)
		if e.Channel.ReadyState() == webrtc.DataChannelStateOpen {
			s.announcer.Resync()
		}
		return nil

	case ChannelOpened:
		if s.announcer.Channel() != e.Channel {
			return nil
		}
		s.logger.Infow("Direct channel open", "label", e.Channel.Label())
		s.announcer.Resync()
		return nil

	case ChannelClosed:
		s.announcer.Detach(e.Channel)
		s.logger.Infow("Direct channel closed", "label", e.Channel.Label())
		return nil

	case ChannelMessage:
		return s.announcer.HandleMessage(e.Data)

	case RemoteTrackAdded:
		s.media.HandleRemoteTrack(e.Track)
		return nil

	case LocalTrackEnded:
		s.media.HandleTrackEnded(e.TrackID)
		return nil

	case DevicesChanged:
		_, err := s.media.RefreshDevices(context.Background())
		return err

	case timerFired:
		return e.fn()

	case command:
		err := e.fn()
		e.reply <- err
		return err
	}

	s.logger.Warnw("Unknown session event", "event", ev)
	return nil
}

func (s *Session) handleEnvelope(env domain.Envelope) error {
	s.metrics.SignalReceived(env.Kind)

	switch env.Kind {
	case domain.SignalOffer:
		return s.negotiator.HandleRemoteOffer(env.Value)
	case domain.SignalAnswer:
		return s.negotiator.HandleRemoteAnswer(env.Value)
	case domain.SignalICECandidate:
		return s.negotiator.HandleRemoteCandidate(env.Value)
	}
	return domain.ErrUnknownSignalKind
}

// report logs err by category and surfaces the failures a user must see
func (s *Session) report(err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNegotiationInProgress),
		errors.Is(err, domain.ErrNotOfferer),
		errors.Is(err, domain.ErrChannelNotOpen),
		errors.Is(err, domain.ErrCameraActive),
		errors.Is(err, domain.ErrScreenShareBusy):
		s.logger.Debugw("Request not applied", "reason", err)

	case errors.Is(err, domain.ErrProtocolViolation):
		s.logger.Warnw("Discarding invalid input", "error", err)

	case errors.Is(err, domain.ErrNegotiationFailed):
		s.logger.Errorw("Negotiation failed", "error", err)
		s.presenter.ReportError(apperrors.NewNegotiationError(err, "negotiation failed"))

	case errors.Is(err, domain.ErrMediaAcquisition):
		s.logger.Errorw("Media acquisition failed", "error", err)
		s.presenter.ReportError(apperrors.NewMediaError(err, "could not capture media"))

	case errors.Is(err, domain.ErrTransport):
		s.logger.Warnw("Transport problem", "error", err)
		s.presenter.ReportError(apperrors.NewTransportError(err, "connection problem"))

	case errors.Is(err, domain.ErrSessionClosed):
		s.logger.Debugw("Session closed", "error", err)

	default:
		s.logger.Errorw("Session error", "error", err)
		s.presenter.ReportError(err)
	}
}
