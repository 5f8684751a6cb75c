package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/subscription"
	"peercall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Scheduler runs fn once after d and returns a function cancelling it.
// fn must be run on the goroutine that drives the Negotiator.
type Scheduler func(d time.Duration, fn func() error) (cancel func())

type NegotiatorConfig struct {
	Role    domain.SessionRole
	Timeout time.Duration
	// RetryInterval is how long the offerer waits after a timed out offer
	// before offering again. Zero disables retries.
	RetryInterval time.Duration
}

// Negotiator drives the offer/answer/candidate exchange for one peer
// connection. Only the offerer role creates offers; the answerer only
// answers. It is not safe for concurrent use; the owning Session calls it
// from a single goroutine.
type Negotiator struct {
	pc       ports.PeerConnection
	signaler ports.Signaler
	role     domain.SessionRole
	timeout  time.Duration
	retry    time.Duration
	schedule Scheduler
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	state       domain.NegotiationState
	connState   webrtc.PeerConnectionState
	pending     bool
	candidates  []webrtc.ICECandidateInit
	epoch       uint64
	cancelTimer func()
	startedAt   time.Time
	span        trace.Span
	transitions *subscription.Registry[domain.NegotiationTransition]
}

func NewNegotiator(
	cfg NegotiatorConfig,
	pc ports.PeerConnection,
	signaler ports.Signaler,
	schedule Scheduler,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Negotiator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Negotiator{
		pc:          pc,
		signaler:    signaler,
		role:        cfg.Role,
		timeout:     cfg.Timeout,
		retry:       cfg.RetryInterval,
		schedule:    schedule,
		metrics:     metrics,
		logger:      logger.With("component", "negotiator", "role", cfg.Role),
		state:       domain.NegotiationIdle,
		connState:   webrtc.PeerConnectionStateNew,
		transitions: subscription.New[domain.NegotiationTransition](),
	}
}

func (n *Negotiator) State() domain.NegotiationState {
	return n.state
}

// Pending reports whether a local change waits for the current exchange
func (n *Negotiator) Pending() bool {
	return n.pending
}

func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	return n.connState
}

// OnTransition registers fn for every state change
func (n *Negotiator) OnTransition(fn func(domain.NegotiationTransition)) subscription.ID {
	return n.transitions.Add(fn)
}

func (n *Negotiator) RemoveTransitionHandler(id subscription.ID) {
	n.transitions.Remove(id)
}

// Initiate creates a local offer, applies it and sends it. While another
// exchange is outstanding the request is recorded as pending and
// ErrNegotiationInProgress is returned. The answerer role gets
// ErrNotOfferer.
func (n *Negotiator) Initiate() error {
	return n.initiate("manual")
}

func (n *Negotiator) initiate(trigger string) error {
	if !n.role.Offers() {
		return domain.ErrNotOfferer
	}

	ss := n.pc.SignalingState()
	if ss == webrtc.SignalingStateClosed {
		return domain.ErrSessionClosed
	}
	if n.state == domain.NegotiationFailed && ss == webrtc.SignalingStateHaveLocalOffer {
		return n.resend(trigger)
	}
	if !n.state.CanOffer() || ss != webrtc.SignalingStateStable {
		n.pending = true
		return domain.ErrNegotiationInProgress
	}

	prev := n.state
	n.pending = false
	n.metrics.NegotiationStarted(trigger)
	n.begin("offer")
	n.setState(domain.NegotiationOffering)

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return n.abort(prev, "create_offer", fmt.Errorf("%w: create offer: %v", domain.ErrDescriptionRejected, err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.abort(prev, "set_local_offer", fmt.Errorf("%w: apply local offer: %v", domain.ErrDescriptionRejected, err))
	}

	if err := n.sendDescription(domain.SignalOffer, offer); err != nil {
		return n.abort(domain.NegotiationFailed, "encode_offer", err)
	}

	n.setState(domain.NegotiationOfferSent)
	n.armTimer()
	return nil
}

// resend sends the offer a timed out exchange left applied. The engine can
// neither replace nor roll back an applied offer, so the peer gets the same
// one again, now carrying every candidate gathered since. Changes made in the
// meantime are offered once it is answered.
func (n *Negotiator) resend(trigger string) error {
	local := n.pc.LocalDescription()
	if local == nil || local.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: no applied offer to send again", domain.ErrDescriptionRejected)
	}

	n.metrics.NegotiationStarted(trigger)
	n.begin("offer")
	n.setState(domain.NegotiationOffering)

	if err := n.sendDescription(domain.SignalOffer, *local); err != nil {
		return n.abort(domain.NegotiationFailed, "encode_offer", err)
	}

	n.setState(domain.NegotiationOfferSent)
	n.armTimer()
	return nil
}

// HandleNegotiationNeeded reacts to a change that requires renegotiation.
// Requests arriving during an exchange coalesce into one follow-up offer.
// The answerer leaves renegotiation to the offerer.
func (n *Negotiator) HandleNegotiationNeeded() error {
	if !n.role.Offers() {
		n.logger.Debugw("Renegotiation left to the offerer")
		return nil
	}
	if n.state.Outstanding() {
		if !n.pending {
			n.logger.Debugw("Renegotiation deferred until current exchange settles", "state", n.state)
		}
		n.pending = true
		return nil
	}

	return n.initiate("negotiation_needed")
}

// HandleRemoteOffer applies a remote offer and answers it. The offerer
// never answers; an offer reaching it is discarded.
func (n *Negotiator) HandleRemoteOffer(payload string) error {
	if n.role.Offers() {
		n.metrics.ProtocolViolation("unexpected_offer")
		return fmt.Errorf("%w: state %s", domain.ErrUnexpectedOffer, n.state)
	}

	desc, err := decodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		n.metrics.ProtocolViolation("malformed_offer")
		return err
	}

	prev := n.state
	n.begin("answer")
	n.setState(domain.NegotiationOfferReceived)

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return n.abort(prev, "set_remote_offer", fmt.Errorf("%w: apply remote offer: %v", domain.ErrDescriptionRejected, err))
	}
	n.flushCandidates()

	n.setState(domain.NegotiationAnswering)

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.abort(prev, "create_answer", fmt.Errorf("%w: create answer: %v", domain.ErrDescriptionRejected, err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.abort(prev, "set_local_answer", fmt.Errorf("%w: apply local answer: %v", domain.ErrDescriptionRejected, err))
	}

	if err := n.sendDescription(domain.SignalAnswer, answer); err != nil {
		return n.abort(prev, "encode_answer", err)
	}

	n.setState(domain.NegotiationAnswerSent)
	return n.settle()
}

// HandleRemoteAnswer applies the answer to the outstanding local offer
func (n *Negotiator) HandleRemoteAnswer(payload string) error {
	if ss := n.pc.SignalingState(); ss != webrtc.SignalingStateHaveLocalOffer {
		n.metrics.ProtocolViolation("unexpected_answer")
		return fmt.Errorf("%w: signaling state %s", domain.ErrUnexpectedAnswer, ss)
	}

	desc, err := decodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		n.metrics.ProtocolViolation("malformed_answer")
		return err
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.metrics.NegotiationFailed("set_remote_answer")
		return fmt.Errorf("%w: apply remote answer: %v", domain.ErrDescriptionRejected, err)
	}
	n.flushCandidates()

	return n.settle()
}

// HandleRemoteCandidate adds a remote candidate, buffering it while no
// remote description has been applied yet.
func (n *Negotiator) HandleRemoteCandidate(payload string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
		n.metrics.ProtocolViolation("malformed_candidate")
		return fmt.Errorf("%w: %v", domain.ErrMalformedCandidate, err)
	}

	if n.pc.RemoteDescription() == nil {
		n.candidates = append(n.candidates, candidate)
		n.logger.Debugw("Buffered remote candidate", "buffered", len(n.candidates))
		return nil
	}

	if err := n.pc.AddICECandidate(candidate); err != nil {
		n.metrics.ProtocolViolation("rejected_candidate")
		return fmt.Errorf("%w: %v", domain.ErrMalformedCandidate, err)
	}
	return nil
}

// HandleLocalCandidate forwards a locally gathered candidate. A nil
// candidate marks the end of gathering and is not sent.
func (n *Negotiator) HandleLocalCandidate(candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		n.logger.Debugw("Candidate gathering complete")
		return nil
	}

	payload, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	n.send(domain.SignalICECandidate, string(payload))
	return nil
}

// HandleConnectionState records a connection state change. Loss of an
// established connection is returned as ErrConnectionLost; no recovery is
// attempted.
func (n *Negotiator) HandleConnectionState(state webrtc.PeerConnectionState) error {
	prev := n.connState
	n.connState = state
	n.metrics.ConnectionStateChanged(state.String())
	n.logger.Infow("Peer connection state changed", "from", prev.String(), "to", state.String())

	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return fmt.Errorf("%w: %s", domain.ErrConnectionLost, state)
	}
	return nil
}

// Close stops the negotiation timer
func (n *Negotiator) Close() {
	n.stopTimer()
	n.finish(domain.ErrSessionClosed)
}

func (n *Negotiator) settle() error {
	n.stopTimer()
	n.finish(nil)
	n.metrics.NegotiationSettled(time.Since(n.startedAt))
	n.setState(domain.NegotiationStable)

	if n.pending {
		n.logger.Debugw("Issuing deferred offer")
		return n.initiate("pending")
	}
	return nil
}

func (n *Negotiator) abort(prev domain.NegotiationState, reason string, err error) error {
	n.stopTimer()
	n.metrics.NegotiationFailed(reason)
	n.finish(err)
	n.setState(prev)
	return err
}

// expire handles the negotiation timer firing for exchange epoch
func (n *Negotiator) expire(epoch uint64) error {
	if epoch != n.epoch || n.state != domain.NegotiationOfferSent {
		return nil
	}

	n.cancelTimer = nil
	n.metrics.NegotiationFailed("timeout")
	n.finish(domain.ErrNegotiationTimeout)
	n.setState(domain.NegotiationFailed)
	n.armRetry()
	return fmt.Errorf("%w after %s", domain.ErrNegotiationTimeout, n.timeout)
}

// armRetry schedules sending the offer again after a timeout, so an offer
// lost before the peer joined the relay still reaches it.
func (n *Negotiator) armRetry() {
	n.stopTimer()
	if n.retry <= 0 || n.schedule == nil {
		return
	}

	epoch := n.epoch
	n.cancelTimer = n.schedule(n.retry, func() error {
		if epoch != n.epoch || n.state != domain.NegotiationFailed {
			return nil
		}
		n.cancelTimer = nil
		n.logger.Infow("Offering again after timeout", "after", n.retry)
		return n.initiate("retry")
	})
}

func (n *Negotiator) armTimer() {
	n.stopTimer()
	if n.timeout <= 0 || n.schedule == nil {
		return
	}

	n.epoch++
	epoch := n.epoch
	n.cancelTimer = n.schedule(n.timeout, func() error {
		return n.expire(epoch)
	})
}

func (n *Negotiator) stopTimer() {
	if n.cancelTimer != nil {
		n.cancelTimer()
		n.cancelTimer = nil
	}
	n.epoch++
}

func (n *Negotiator) begin(exchange string) {
	n.startedAt = time.Now()
	_, n.span = tracing.TraceNegotiation(context.Background(), exchange, string(n.role))
}

func (n *Negotiator) finish(err error) {
	if n.span == nil {
		return
	}
	tracing.EndSpan(n.span, err)
	n.span = nil
}

func (n *Negotiator) flushCandidates() {
	if len(n.candidates) == 0 {
		return
	}

	buffered := n.candidates
	n.candidates = nil
	for _, c := range buffered {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.metrics.ProtocolViolation("rejected_candidate")
			n.logger.Warnw("Dropping buffered candidate", "error", err)
		}
	}
	n.logger.Debugw("Flushed buffered candidates", "count", len(buffered))
}

func (n *Negotiator) sendDescription(kind domain.SignalKind, fallback webrtc.SessionDescription) error {
	desc := fallback
	if local := n.pc.LocalDescription(); local != nil {
		desc = *local
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrDescriptionRejected, kind, err)
	}
	n.send(kind, string(payload))
	return nil
}

func (n *Negotiator) send(kind domain.SignalKind, value string) {
	n.signaler.Send(domain.Envelope{Kind: kind, Value: value})
	n.metrics.SignalSent(kind)
}

func (n *Negotiator) setState(next domain.NegotiationState) {
	prev := n.state
	if prev == next {
		return
	}
	n.state = next
	n.logger.Debugw("Negotiation state changed", "from", prev, "to", next)
	n.transitions.Dispatch(domain.NegotiationTransition{From: prev, To: next})
}

func decodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", domain.ErrMalformedDescription, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: got %s, want %s", domain.ErrMalformedDescription, desc.Type, want)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", domain.ErrMalformedDescription)
	}
	return desc, nil
}
