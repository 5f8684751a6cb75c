package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"peercall/internal/core/domain"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RelayConfig struct {
	MaxParties        int
	MaxMessageBytes   int64
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueue         int
	MessagesPerSecond float64 // zero disables per-party limiting
	Burst             int
	AllowedOrigins    []string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxParties:        2,
		MaxMessageBytes:   64 * 1024,
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueue:         64,
		MessagesPerSecond: 100,
		Burst:             200,
		AllowedOrigins:    []string{"*"},
	}
}

// Broker carries frames between relay instances. Subscribe blocks until ctx
// is done and must not deliver frames published by the same instance.
type Broker interface {
	Publish(ctx context.Context, partyID string, frame []byte) error
	Subscribe(ctx context.Context, deliver func(partyID string, frame []byte)) error
}

// PartyRegistry bounds the number of parties across relay instances
type PartyRegistry interface {
	Admit(ctx context.Context, partyID string, limit int) (bool, error)
	Touch(ctx context.Context, partyID string) error
	Release(ctx context.Context, partyID string) error
}

type RelayMetrics interface {
	PartyAdmitted()
	PartyLeft()
	PartyRejected(reason string)
	FrameForwarded(kind domain.SignalKind, recipients int)
	FrameDropped(reason string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) PartyAdmitted()                        {}
func (nopRelayMetrics) PartyLeft()                            {}
func (nopRelayMetrics) PartyRejected(string)                  {}
func (nopRelayMetrics) FrameForwarded(domain.SignalKind, int) {}
func (nopRelayMetrics) FrameDropped(string)                   {}

// Relay fans every valid envelope out to all other connected parties. Frames
// are forwarded byte for byte; the relay never looks inside the value.
type Relay struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader
	broker   Broker
	registry PartyRegistry
	metrics  RelayMetrics
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	parties map[string]*party
}

type party struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (p *party) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

type RelayOption func(*Relay)

func WithBroker(b Broker) RelayOption {
	return func(r *Relay) { r.broker = b }
}

func WithPartyRegistry(pr PartyRegistry) RelayOption {
	return func(r *Relay) { r.registry = pr }
}

func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(cfg RelayConfig, logger *zap.SugaredLogger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Relay{
		cfg:     cfg,
		metrics: nopRelayMetrics{},
		logger:  logger,
		parties: make(map[string]*party),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin:     r.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run delivers frames from other relay instances until ctx is done. Without
// a broker it only waits for ctx.
func (r *Relay) Run(ctx context.Context) error {
	if r.broker == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.broker.Subscribe(ctx, func(partyID string, frame []byte) {
		r.deliver(partyID, frame)
	})
}

func (r *Relay) PartyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parties)
}

func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	p := &party{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, r.cfg.SendQueue),
		done: make(chan struct{}),
	}
	if r.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
	}

	ctx := req.Context()
	if err := r.admit(ctx, p); err != nil {
		appErr := apperrors.GetAppError(err)
		r.logger.Warnw("rejecting party", "party_id", p.id, "code", appErr.Code, "reason", appErr.Message)
		r.metrics.PartyRejected(appErr.Message)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, appErr.Message)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout))
		return
	}
	defer r.release(p)

	r.logger.Infow("party connected", "party_id", p.id, "parties", r.PartyCount())
	r.metrics.PartyAdmitted()

	go r.writePump(p)
	r.readPump(ctx, p)
}

func (r *Relay) admit(ctx context.Context, p *party) error {
	r.mu.Lock()
	if len(r.parties) >= r.cfg.MaxParties {
		r.mu.Unlock()
		return apperrors.NewConflictError("relay full")
	}
	r.parties[p.id] = p
	r.mu.Unlock()

	if r.registry == nil {
		return nil
	}
	ok, err := r.registry.Admit(ctx, p.id, r.cfg.MaxParties)
	if err != nil {
		// registry outage degrades to the per-instance limit
		r.logger.Warnw("party registry unavailable", "party_id", p.id, "error", err)
		return nil
	}
	if !ok {
		r.mu.Lock()
		delete(r.parties, p.id)
		r.mu.Unlock()
		return apperrors.NewConflictError("relay full")
	}
	return nil
}

func (r *Relay) release(p *party) {
	p.close()

	r.mu.Lock()
	delete(r.parties, p.id)
	remaining := len(r.parties)
	r.mu.Unlock()

	if r.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		if err := r.registry.Release(ctx, p.id); err != nil {
			r.logger.Warnw("failed to release party", "party_id", p.id, "error", err)
		}
		cancel()
	}

	r.metrics.PartyLeft()
	r.logger.Infow("party disconnected", "party_id", p.id, "parties", remaining)
}

func (r *Relay) readPump(ctx context.Context, p *party) {
	conn := p.conn
	conn.SetReadLimit(r.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		if r.registry != nil {
			if err := r.registry.Touch(ctx, p.id); err != nil {
				r.logger.Debugw("failed to refresh party", "party_id", p.id, "error", err)
			}
		}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading from party", "party_id", p.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		if msgType != websocket.TextMessage {
			r.metrics.FrameDropped("binary")
			continue
		}
		if p.limiter != nil && !p.limiter.Allow() {
			r.metrics.FrameDropped("rate_limited")
			r.logger.Debugw("rate limit exceeded", "party_id", p.id)
			continue
		}

		env, err := domain.ParseEnvelope(data)
		if err != nil {
			r.metrics.FrameDropped("malformed")
			r.logger.Warnw("dropping invalid frame", "party_id", p.id, "error", err)
			continue
		}

		r.forward(ctx, p.id, env.Kind, data)
	}
}

func (r *Relay) forward(ctx context.Context, from string, kind domain.SignalKind, frame []byte) {
	ctx, span := tracing.TraceRelayFrame(ctx, string(kind), from)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	recipients := r.deliver(from, frame)
	r.metrics.FrameForwarded(kind, recipients)
	r.logger.Debugw("routing frame", "from_party", from, "kind", kind, "recipients", recipients, "size", len(frame))

	if r.broker != nil {
		if err = r.broker.Publish(ctx, from, frame); err != nil {
			r.logger.Warnw("failed to publish frame", "party_id", from, "error", err)
		}
	}
}

// deliver queues frame for every local party other than from. A party whose
// queue is full is disconnected.
func (r *Relay) deliver(from string, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id, p := range r.parties {
		if id == from {
			continue
		}
		select {
		case p.send <- frame:
			n++
		case <-p.done:
		default:
			r.metrics.FrameDropped("slow_consumer")
			r.logger.Warnw("party send queue full, disconnecting", "party_id", id)
			p.close()
		}
	}
	return n
}

func (r *Relay) writePump(p *party) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.logger.Infow("error writing to party", "party_id", p.id, "error", err)
				p.close()
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Infow("error sending ping", "party_id", p.id, "error", err)
				p.close()
				return
			}

		case <-p.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteTimeout))
			return
		}
	}
}

// Shutdown disconnects every party
func (r *Relay) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parties {
		p.close()
	}
}
