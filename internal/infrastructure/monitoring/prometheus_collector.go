package monitoring

import (
	"time"

	"peercall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peercall"

// SessionCollector records peer-side negotiation, signaling and media
// metrics. It implements ports.Metrics.
type SessionCollector struct {
	negotiationsStarted *prometheus.CounterVec
	negotiationsFailed  *prometheus.CounterVec
	negotiationDuration prometheus.Histogram

	signalsSent     *prometheus.CounterVec
	signalsReceived *prometheus.CounterVec

	announcementsSent     *prometheus.CounterVec
	announcementsReceived *prometheus.CounterVec
	announcementsDropped  *prometheus.CounterVec
	protocolViolations    *prometheus.CounterVec

	connectionState *prometheus.GaugeVec
	rtpBytes        *prometheus.CounterVec
}

func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	f := promauto.With(reg)
	return &SessionCollector{
		negotiationsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_started_total",
			Help:      "Offer exchanges started, by trigger",
		}, []string{"trigger"}),

		negotiationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_failed_total",
			Help:      "Offer exchanges that failed, by reason",
		}, []string{"reason"}),

		negotiationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from local offer to stable",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		}),

		signalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Signaling envelopes sent, by kind",
		}, []string{"kind"}),

		signalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Signaling envelopes received, by kind",
		}, []string{"kind"}),

		announcementsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_sent_total",
			Help:      "Direct channel announcements sent, by kind",
		}, []string{"kind"}),

		announcementsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_received_total",
			Help:      "Direct channel announcements received, by kind",
		}, []string{"kind"}),

		announcementsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_dropped_total",
			Help:      "Announcements dropped because the direct channel was not open",
		}, []string{"kind"}),

		protocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Discarded inbound messages, by reason",
		}, []string{"reason"}),

		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current peer connection state, 0 otherwise",
		}, []string{"state"}),

		rtpBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_received_bytes_total",
			Help:      "RTP payload received from the remote peer, by media kind",
		}, []string{"kind"}),
	}
}

func (c *SessionCollector) NegotiationStarted(trigger string) {
	c.negotiationsStarted.WithLabelValues(trigger).Inc()
}

func (c *SessionCollector) NegotiationSettled(duration time.Duration) {
	c.negotiationDuration.Observe(duration.Seconds())
}

func (c *SessionCollector) NegotiationFailed(reason string) {
	c.negotiationsFailed.WithLabelValues(reason).Inc()
}

func (c *SessionCollector) SignalSent(kind domain.SignalKind) {
	c.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) SignalReceived(kind domain.SignalKind) {
	c.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) AnnouncementSent(kind domain.AnnouncementKind) {
	c.announcementsSent.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) AnnouncementReceived(kind domain.AnnouncementKind) {
	c.announcementsReceived.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) AnnouncementDropped(kind domain.AnnouncementKind) {
	c.announcementsDropped.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) ProtocolViolation(reason string) {
	c.protocolViolations.WithLabelValues(reason).Inc()
}

var connectionStates = []string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

func (c *SessionCollector) ConnectionStateChanged(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.WithLabelValues(s).Set(v)
	}
}

func (c *SessionCollector) RTPReceived(kind domain.MediaKind, bytes int) {
	c.rtpBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

// RelayCollector records relay-side party and frame metrics. It implements
// signal.RelayMetrics.
type RelayCollector struct {
	partiesConnected prometheus.Gauge
	partiesRejected  *prometheus.CounterVec
	framesForwarded  *prometheus.CounterVec
	framesDelivered  prometheus.Counter
	framesDropped    *prometheus.CounterVec
}

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	f := promauto.With(reg)
	return &RelayCollector{
		partiesConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "parties_connected",
			Help:      "Parties currently attached to this relay instance",
		}),

		partiesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "parties_rejected_total",
			Help:      "Connections refused, by reason",
		}, []string{"reason"}),

		framesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frames accepted for fan-out, by signal kind",
		}, []string{"kind"}),

		framesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_delivered_total",
			Help:      "Frames queued to local recipients",
		}),

		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames not forwarded, by reason",
		}, []string{"reason"}),
	}
}

func (c *RelayCollector) PartyAdmitted() {
	c.partiesConnected.Inc()
}

func (c *RelayCollector) PartyLeft() {
	c.partiesConnected.Dec()
}

func (c *RelayCollector) PartyRejected(reason string) {
	c.partiesRejected.WithLabelValues(reason).Inc()
}

func (c *RelayCollector) FrameForwarded(kind domain.SignalKind, recipients int) {
	c.framesForwarded.WithLabelValues(string(kind)).Inc()
	c.framesDelivered.Add(float64(recipients))
}

func (c *RelayCollector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}
