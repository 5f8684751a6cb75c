package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/subscription"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CaptureConfig names the synthetic devices. An empty label means the
// device is absent.
type CaptureConfig struct {
	Camera         string
	Microphone     string
	Screen         string
	PacketInterval time.Duration
	DenyPermission bool
}

// SyntheticCapture implements ports.MediaCapture with generated RTP streams.
// It stands in for real devices on headless peers and in tests.
type SyntheticCapture struct {
	logger  *zap.SugaredLogger
	changes *subscription.Registry[struct{}]

	mu       sync.Mutex
	cfg      CaptureConfig
	deviceID map[domain.DeviceKind]string

	liveMu sync.Mutex
	live   map[string]*SyntheticTrack
}

func NewSyntheticCapture(cfg CaptureConfig, logger *zap.SugaredLogger) *SyntheticCapture {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.PacketInterval <= 0 {
		cfg.PacketInterval = 20 * time.Millisecond
	}
	return &SyntheticCapture{
		logger:   logger.With("component", "capture"),
		changes:  subscription.New[struct{}](),
		cfg:      cfg,
		live:     make(map[string]*SyntheticTrack),
		deviceID: make(map[domain.DeviceKind]string),
	}
}

func (c *SyntheticCapture) AcquireUserMedia(ctx context.Context, constraints domain.Constraints) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: neither audio nor video requested", domain.ErrMediaAcquisition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.DenyPermission {
		return nil, fmt.Errorf("%w: camera", domain.ErrPermissionDenied)
	}
	if constraints.Video && c.cfg.Camera == "" {
		return nil, fmt.Errorf("%w: camera", domain.ErrDeviceNotFound)
	}
	if constraints.Audio && c.cfg.Microphone == "" {
		return nil, fmt.Errorf("%w: microphone", domain.ErrDeviceNotFound)
	}

	streamID := "camera-" + uuid.NewString()
	var tracks []ports.LocalTrack
	if constraints.Video {
		t, err := c.newTrack(webrtc.MimeTypeVP8, "video-"+uuid.NewString(), streamID, false)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if constraints.Audio {
		t, err := c.newTrack(webrtc.MimeTypeOpus, "audio-"+uuid.NewString(), streamID, false)
		if err != nil {
			for _, prev := range tracks {
				prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (c *SyntheticCapture) AcquireDisplayMedia(ctx context.Context) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.DenyPermission {
		return nil, fmt.Errorf("%w: display", domain.ErrPermissionDenied)
	}
	if c.cfg.Screen == "" {
		return nil, fmt.Errorf("%w: display", domain.ErrDeviceNotFound)
	}

	id := "screen-" + uuid.NewString()
	t, err := c.newTrack(webrtc.MimeTypeVP8, id, id, true)
	if err != nil {
		return nil, err
	}
	return []ports.LocalTrack{t}, nil
}

func (c *SyntheticCapture) EnumerateDevices(ctx context.Context) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var devices []domain.Device
	if c.cfg.Camera != "" {
		devices = append(devices, domain.Device{ID: c.idFor(domain.DeviceVideoInput), Kind: domain.DeviceVideoInput, Label: c.cfg.Camera})
	}
	if c.cfg.Microphone != "" {
		devices = append(devices, domain.Device{ID: c.idFor(domain.DeviceAudioInput), Kind: domain.DeviceAudioInput, Label: c.cfg.Microphone})
	}
	return devices, nil
}

func (c *SyntheticCapture) OnDeviceChange(fn func()) subscription.ID {
	return c.changes.Add(func(struct{}) { fn() })
}

func (c *SyntheticCapture) RemoveDeviceChangeHandler(id subscription.ID) {
	c.changes.Remove(id)
}

// SetDevices replaces the device labels, as if devices were plugged in or
// out, and notifies device change handlers.
func (c *SyntheticCapture) SetDevices(camera, microphone string) {
	c.mu.Lock()
	if c.cfg.Camera != camera {
		delete(c.deviceID, domain.DeviceVideoInput)
	}
	if c.cfg.Microphone != microphone {
		delete(c.deviceID, domain.DeviceAudioInput)
	}
	c.cfg.Camera = camera
	c.cfg.Microphone = microphone
	c.mu.Unlock()

	c.logger.Infow("Capture devices changed", "camera", camera, "microphone", microphone)
	c.changes.Dispatch(struct{}{})
}

// EndScreenCapture ends every live screen track from the capture side
func (c *SyntheticCapture) EndScreenCapture() {
	for _, t := range c.liveTracks() {
		if t.screen {
			t.End()
		}
	}
}

// Close stops every live track
func (c *SyntheticCapture) Close() {
	for _, t := range c.liveTracks() {
		t.Stop()
	}
}

func (c *SyntheticCapture) liveTracks() []*SyntheticTrack {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	tracks := make([]*SyntheticTrack, 0, len(c.live))
	for _, t := range c.live {
		tracks = append(tracks, t)
	}
	return tracks
}

func (c *SyntheticCapture) idFor(kind domain.DeviceKind) string {
	id, ok := c.deviceID[kind]
	if !ok {
		id = uuid.NewString()
		c.deviceID[kind] = id
	}
	return id
}

func (c *SyntheticCapture) newTrack(mimeType, id, streamID string, screen bool) (*SyntheticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: mimeType}
	clock := uint32(90000)
	if mimeType == webrtc.MimeTypeOpus {
		codec.ClockRate = 48000
		codec.Channels = 2
		clock = 48000
	} else {
		codec.ClockRate = clock
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	t := &SyntheticTrack{
		TrackLocalStaticRTP: local,
		interval:            c.cfg.PacketInterval,
		clockRate:           clock,
		screen:              screen,
		stop:                make(chan struct{}),
		logger:              c.logger.With("track_id", id),
		release: func() {
			c.liveMu.Lock()
			delete(c.live, id)
			c.liveMu.Unlock()
		},
	}
	c.liveMu.Lock()
	c.live[id] = t
	c.liveMu.Unlock()
	go t.run()
	return t, nil
}

// SyntheticTrack is a local track fed with generated RTP packets
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticRTP

	interval  time.Duration
	clockRate uint32
	screen    bool
	logger    *zap.SugaredLogger
	release   func()

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	onEnded func()
}

// Stop halts packet generation. The ended callback is not fired.
func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.release()
	})
}

func (t *SyntheticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// End stops the track as if the device went away and fires the ended
// callback.
func (t *SyntheticTrack) End() {
	t.Stop()
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *SyntheticTrack) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *SyntheticTrack) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	step := uint32(t.interval.Seconds() * float64(t.clockRate))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version: 2,
			Marker:  true,
		},
		Payload: make([]byte, 160),
	}

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += step
			pkt.Payload[0] = byte(pkt.SequenceNumber)
			if err := t.WriteRTP(pkt); err != nil {
				t.logger.Debugw("Synthetic write failed", "error", err)
			}
		}
	}
}
