package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpReportBatch is how many received bytes accumulate before they are
// reported to metrics.
const rtpReportBatch = 64 * 1024

// Engine implements ports.PeerConnection on a pion peer connection. Bind
// must be called before any other method so no callback is lost.
type Engine struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration
	metrics     ports.Metrics
	pool        *optimize.BytePool
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	sink    ports.EventSink
	senders map[string]*webrtc.RTPSender

	done      chan struct{}
	closeOnce sync.Once
}

func NewEngine(api *webrtc.API, cfg Config, metrics ports.Metrics, logger *zap.SugaredLogger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &Engine{
		pc:          pc,
		pliInterval: cfg.PLIInterval,
		metrics:     metrics,
		pool:        optimize.NewBytePool(optimize.MTU),
		logger:      logger.With("component", "engine"),
		senders:     make(map[string]*webrtc.RTPSender),
		done:        make(chan struct{}),
	}, nil
}

// Bind routes every connection callback to sink
func (e *Engine) Bind(sink ports.EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()

	e.pc.OnNegotiationNeeded(sink.NegotiationNeeded)

	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			sink.LocalCandidate(nil)
			return
		}
		init := c.ToJSON()
		sink.LocalCandidate(&init)
	})

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("Peer connection state changed", "state", state)
		if e.metrics != nil {
			e.metrics.ConnectionStateChanged(state.String())
		}
		sink.ConnectionStateChanged(state)
	})

	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.wireChannel(dc)
		sink.DataChannelReceived(dc)
	})

	e.pc.OnTrack(e.handleTrack)
}

func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(nil)
}

func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *Engine) SetLocalDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(desc)
}

func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *Engine) LocalDescription() *webrtc.SessionDescription {
	return e.pc.LocalDescription()
}

func (e *Engine) RemoteDescription() *webrtc.SessionDescription {
	return e.pc.RemoteDescription()
}

func (e *Engine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(candidate)
}

func (e *Engine) SignalingState() webrtc.SignalingState {
	return e.pc.SignalingState()
}

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	return e.pc.ConnectionState()
}

func (e *Engine) AddTrack(track ports.LocalTrack) error {
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.senders[track.ID()] = sender
	e.mu.Unlock()

	go e.readSenderRTCP(track.ID(), sender)
	return nil
}

func (e *Engine) RemoveTrack(trackID string) error {
	e.mu.Lock()
	sender, ok := e.senders[trackID]
	delete(e.senders, trackID)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("track %s not attached", trackID)
	}
	return e.pc.RemoveTrack(sender)
}

// AddReceiver adds a receive-only transceiver. Pion reports negotiation
// needed for it, and an answering peer binds its pending track of the same
// kind to the offered m-line.
func (e *Engine) AddReceiver(kind domain.MediaKind) error {
	codec := webrtc.RTPCodecTypeVideo
	if kind == domain.MediaKindAudio {
		codec = webrtc.RTPCodecTypeAudio
	}
	_, err := e.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (e *Engine) CreateDirectChannel(label string) (ports.DirectChannel, error) {
	dc, err := e.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	e.wireChannel(dc)
	return dc, nil
}

func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.pc.Close()
	})
	return err
}

func (e *Engine) currentSink() ports.EventSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

func (e *Engine) wireChannel(dc *webrtc.DataChannel) {
	sink := e.currentSink()
	if sink == nil {
		e.logger.Warnw("Direct channel created before Bind", "label", dc.Label())
		return
	}

	dc.OnOpen(func() { sink.ChannelOpened(dc) })
	dc.OnClose(func() { sink.ChannelClosed(dc) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			e.logger.Debugw("Ignoring binary channel message", "label", dc.Label(), "size", len(msg.Data))
			return
		}
		sink.ChannelMessage(dc, msg.Data)
	})
}

func (e *Engine) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.MediaKind(track.Kind().String())
	e.logger.Infow("Remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	if sink := e.currentSink(); sink != nil {
		sink.RemoteTrack(domain.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: kind})
	}

	ended := make(chan struct{})
	go e.readReceiverRTCP(receiver)
	if kind == domain.MediaKindVideo {
		go e.requestKeyframes(track, ended)
	}
	go e.readRemote(track, kind, ended)
}

// readRemote consumes the remote track until it ends so the interceptors
// see every packet.
func (e *Engine) readRemote(track *webrtc.TrackRemote, kind domain.MediaKind, ended chan struct{}) {
	defer close(ended)

	buf := e.pool.Get()
	defer e.pool.Put(buf)

	counter := optimize.NewCounter(rtpReportBatch, func(n int) {
		if e.metrics != nil {
			e.metrics.RTPReceived(kind, n)
		}
	})
	defer counter.Flush()

	for {
		n, _, err := track.Read(*buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debugw("Remote track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		counter.Add(n)
	}
}

// requestKeyframes sends a PLI at a fixed interval so a late or lossy
// decoder recovers.
func (e *Engine) requestKeyframes(track *webrtc.TrackRemote, ended <-chan struct{}) {
	if e.pliInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ended:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := e.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				e.logger.Debugw("Failed to send PLI", "track_id", track.ID(), "error", err)
			}
		}
	}
}

func (e *Engine) readSenderRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.logger.Debugw("Keyframe requested", "track_id", trackID)
			case *rtcp.TransportLayerNack:
				e.logger.Debugw("NACK received", "track_id", trackID)
			}
		}
	}
}

func (e *Engine) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}
