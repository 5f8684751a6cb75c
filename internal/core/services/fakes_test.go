package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/subscription"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errEngine = errors.New("engine refused")

// fakePC models the signaling state machine of a peer connection with the
// transitions pion accepts: no rollback, and no offer replacing an applied
// one. Offers and answers list the local track IDs, and offers the receive
// slots, so tests can see what a description carried.
type fakePC struct {
	mu   sync.Mutex
	name string

	signaling     webrtc.SignalingState
	conn          webrtc.PeerConnectionState
	currentLocal  *webrtc.SessionDescription
	pendingLocal  *webrtc.SessionDescription
	currentRemote *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription

	tracks     []string
	receivers  []domain.MediaKind
	candidates []webrtc.ICECandidateInit
	channels   []*fakeChannel
	offers     int
	closed     bool

	// negotiationNeeded is called after AddReceiver, as the engine would
	negotiationNeeded func()

	failCreateOffer error
	failSetRemote   error
	failAddTrack    error
}

func newFakePC(name string) *fakePC {
	return &fakePC{
		name:      name,
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
	}
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreateOffer != nil {
		return webrtc.SessionDescription{}, f.failCreateOffer
	}
	if f.signaling == webrtc.SignalingStateClosed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	f.offers++
	recv := make([]string, 0, len(f.receivers))
	for _, k := range f.receivers {
		recv = append(recv, string(k))
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP: fmt.Sprintf("offer %s#%d tracks=%s recv=%s",
			f.name, f.offers, strings.Join(f.tracks, ","), strings.Join(recv, ",")),
	}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", f.signaling)
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s tracks=%s", f.name, strings.Join(f.tracks, ",")),
	}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("local offer in %s", f.signaling)
		}
		f.pendingLocal = &d
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local answer in %s", f.signaling)
		}
		f.currentLocal = &d
		f.currentRemote = f.pendingRemote
		f.pendingRemote = nil
		f.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unsupported local type %s", desc.Type)
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSetRemote != nil {
		return f.failSetRemote
	}

	d := desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in %s", f.signaling)
		}
		f.pendingRemote = &d
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s", f.signaling)
		}
		f.currentRemote = &d
		f.currentLocal = f.pendingLocal
		f.pendingLocal = nil
		f.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unsupported remote type %s", desc.Type)
	}
	return nil
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingLocal != nil {
		return f.pendingLocal
	}
	return f.currentLocal
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingRemote != nil {
		return f.pendingRemote
	}
	return f.currentRemote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingRemote == nil && f.currentRemote == nil {
		return errors.New("no remote description")
	}
	if c.Candidate == "bad" {
		return errors.New("unparseable candidate")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakePC) AddTrack(track ports.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddTrack != nil {
		return f.failAddTrack
	}
	f.tracks = append(f.tracks, track.ID())
	return nil
}

func (f *fakePC) RemoveTrack(trackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.tracks {
		if id == trackID {
			f.tracks = append(f.tracks[:i], f.tracks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("track %s not attached", trackID)
}

func (f *fakePC) AddReceiver(kind domain.MediaKind) error {
	f.mu.Lock()
	f.receivers = append(f.receivers, kind)
	hook := f.negotiationNeeded
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakePC) CreateDirectChannel(label string) (ports.DirectChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := newFakeChannel(label)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.signaling = webrtc.SignalingStateClosed
	return nil
}

func (f *fakePC) attached() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tracks...)
}

type fakeChannel struct {
	mu      sync.Mutex
	label   string
	state   webrtc.DataChannelState
	sent    []string
	sendErr error
	deliver func(text string)
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	deliver := c.deliver
	c.mu.Unlock()

	if deliver != nil {
		deliver(text)
	}
	return nil
}

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = webrtc.DataChannelStateClosed
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	c.mu.Unlock()
}

func (c *fakeChannel) announcements(t *testing.T) []domain.Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Announcement, 0, len(c.sent))
	for _, raw := range c.sent {
		a, err := domain.ParseAnnouncement([]byte(raw))
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

// fakeSignaler records what is sent and, when linked, delivers it to the
// peer's subscribers the way the relay would.
type fakeSignaler struct {
	mu   sync.Mutex
	subs *subscription.Registry[domain.Envelope]
	sent []domain.Envelope
	peer *fakeSignaler
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{subs: subscription.New[domain.Envelope]()}
}

func linkSignalers(a, b *fakeSignaler) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (s *fakeSignaler) Send(env domain.Envelope) {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		peer.subs.Dispatch(env)
	}
}

func (s *fakeSignaler) Subscribe(fn func(domain.Envelope)) subscription.ID {
	return s.subs.Add(fn)
}

func (s *fakeSignaler) Unsubscribe(id subscription.ID) {
	s.subs.Remove(id)
}

func (s *fakeSignaler) kinds() []domain.SignalKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignalKind, 0, len(s.sent))
	for _, env := range s.sent {
		out = append(out, env.Kind)
	}
	return out
}

func (s *fakeSignaler) last() domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

// manualTimers is a Scheduler whose timers fire only when a test says so
type manualTimers struct {
	timers []*manualTimer
}

type manualTimer struct {
	d         time.Duration
	fn        func() error
	cancelled bool
	fired     bool
}

func (m *manualTimers) schedule(d time.Duration, fn func() error) func() {
	t := &manualTimer{d: d, fn: fn}
	m.timers = append(m.timers, t)
	return func() { t.cancelled = true }
}

// fireAll runs every timer, cancelled or not, and returns the first error.
// Timers scheduled while it runs wait for the next call.
func (m *manualTimers) fireAll() error {
	var first error
	for _, t := range m.timers {
		t.fired = true
		if err := t.fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *manualTimers) active() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	stopped bool
	onEnded func()
}

func newFakeTrack(t *testing.T, kind webrtc.RTPCodecType, id, stream string) *fakeTrack {
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	inner, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, stream)
	require.NoError(t, err)
	return &fakeTrack{TrackLocalStaticSample: inner}
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.stopped = true
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// mockCapture is a testify mock of ports.MediaCapture
type mockCapture struct {
	mock.Mock
}

func (m *mockCapture) AcquireUserMedia(ctx context.Context, c domain.Constraints) ([]ports.LocalTrack, error) {
	args := m.Called(ctx, c)
	tracks, _ := args.Get(0).([]ports.LocalTrack)
	return tracks, args.Error(1)
}

func (m *mockCapture) AcquireDisplayMedia(ctx context.Context) ([]ports.LocalTrack, error) {
	args := m.Called(ctx)
	tracks, _ := args.Get(0).([]ports.LocalTrack)
	return tracks, args.Error(1)
}

func (m *mockCapture) EnumerateDevices(ctx context.Context) ([]domain.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]domain.Device)
	return devices, args.Error(1)
}

func (m *mockCapture) OnDeviceChange(fn func()) subscription.ID {
	m.Called(fn)
	return subscription.ID{}
}

func (m *mockCapture) RemoveDeviceChangeHandler(id subscription.ID) {}

// recordingPresenter keeps every call in order
type recordingPresenter struct {
	mu        sync.Mutex
	calls     []string
	chat      []string
	errors    []error
	indicator webrtc.PeerConnectionState
	shareable *bool
}

func (p *recordingPresenter) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *recordingPresenter) RenderLocalVideo(s domain.MediaStream) {
	p.record("local_camera:%s", strings.Join(s.TrackIDs, ","))
}

func (p *recordingPresenter) RenderRemoteVideo(s domain.MediaStream) {
	p.record("remote_camera:%s", strings.Join(s.TrackIDs, ","))
}

func (p *recordingPresenter) RenderScreenShare(s domain.MediaStream) {
	p.record("screen_share:%s", strings.Join(s.TrackIDs, ","))
}

func (p *recordingPresenter) AttachAudio(s domain.MediaStream) {
	p.record("audio_sink:%s", strings.Join(s.TrackIDs, ","))
}

func (p *recordingPresenter) Deactivate(surface domain.Surface) {
	p.record("deactivate:%s", surface)
}

func (p *recordingPresenter) AppendChatLine(author, text string) {
	p.mu.Lock()
	p.chat = append(p.chat, author+": "+text)
	p.mu.Unlock()
}

func (p *recordingPresenter) SetConnectionIndicator(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.indicator = state
	p.mu.Unlock()
}

func (p *recordingPresenter) SetScreenShareAvailable(available bool) {
	p.mu.Lock()
	p.shareable = &available
	p.mu.Unlock()
}

func (p *recordingPresenter) ReportError(err error) {
	p.mu.Lock()
	p.errors = append(p.errors, err)
	p.mu.Unlock()
}

func (p *recordingPresenter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingPresenter) chatLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.chat...)
}

func (p *recordingPresenter) reported() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errors...)
}

func (p *recordingPresenter) screenShareAvailable() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shareable == nil {
		return false, false
	}
	return *p.shareable, true
}

func descJSON(t *testing.T, typ webrtc.SDPType, sdp string) string {
	data, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	require.NoError(t, err)
	return string(data)
}

func candidateJSON(t *testing.T, candidate string) string {
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return string(data)
}

func decodeDesc(t *testing.T, env domain.Envelope) webrtc.SessionDescription {
	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal([]byte(env.Value), &desc))
	return desc
}
