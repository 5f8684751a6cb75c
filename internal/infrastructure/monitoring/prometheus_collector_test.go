package monitoring

import (
	"testing"
	"time"

	"peercall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewSessionCollector(reg)

	c.NegotiationStarted("initiate")
	c.NegotiationStarted("renegotiate")
	c.NegotiationStarted("renegotiate")
	c.NegotiationSettled(120 * time.Millisecond)
	c.NegotiationFailed("timeout")
	c.SignalSent(domain.SignalOffer)
	c.SignalReceived(domain.SignalAnswer)
	c.AnnouncementSent(domain.AnnounceScreenAdded)
	c.AnnouncementDropped(domain.AnnounceMessage)
	c.ProtocolViolation("malformed_announcement")
	c.ProtocolViolation("unexpected_offer")
	c.RTPReceived(domain.MediaKindVideo, 1200)
	c.RTPReceived(domain.MediaKindVideo, 800)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.negotiationsStarted.WithLabelValues("renegotiate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsFailed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolViolations.WithLabelValues("unexpected_offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsSent.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsReceived.WithLabelValues("answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.announcementsDropped.WithLabelValues(string(domain.AnnounceMessage))))
	assert.Equal(t, 2000.0, testutil.ToFloat64(c.rtpBytes.WithLabelValues("video")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.negotiationDuration))

	count, err := testutil.GatherAndCount(reg, "peercall_negotiations_started_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSessionCollector_ConnectionStateIsExclusive(t *testing.T) {
	c := NewSessionCollector(prometheus.NewRegistry())

	c.ConnectionStateChanged("connecting")
	c.ConnectionStateChanged("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionState.WithLabelValues("connecting")))
}

func TestRelayCollector(t *testing.T) {
	c := NewRelayCollector(prometheus.NewRegistry())

	c.PartyAdmitted()
	c.PartyAdmitted()
	c.PartyLeft()
	c.PartyRejected("relay full")
	c.FrameForwarded(domain.SignalOffer, 1)
	c.FrameForwarded(domain.SignalICECandidate, 0)
	c.FrameDropped("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.partiesConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partiesRejected.WithLabelValues("relay full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesForwarded.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("rate_limited")))
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		NewSessionCollector(reg)
		NewRelayCollector(reg)
	})
}
