package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/retry"
	"peercall/pkg/subscription"

	"go.uber.org/zap"
)

type ClientConfig struct {
	URL       string
	Reconnect retry.Config
}

// Client implements ports.Signaler over a Transport. Outbound envelopes are
// written immediately or dropped; inbound frames that are not valid envelopes
// are logged and discarded.
type Client struct {
	cfg       ClientConfig
	transport Transport
	subs      *subscription.Registry[domain.Envelope]
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	open     bool
	closed   bool
	lost     chan struct{}
	lostOnce sync.Once
}

func NewClient(cfg ClientConfig, transport Transport, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		transport: transport,
		subs:      subscription.New[domain.Envelope](),
		logger:    logger.With("url", cfg.URL),
		ctx:       ctx,
		cancel:    cancel,
		lost:      make(chan struct{}),
	}
}

// Connect dials the relay. With reconnect enabled a failed dial is retried
// with backoff before giving up.
func (c *Client) Connect(ctx context.Context) error {
	dial := func() error {
		return c.transport.Connect(ctx, c.cfg.URL, clientHandler{c})
	}
	if !c.cfg.Reconnect.Enabled {
		if err := dial(); err != nil {
			c.logger.Errorw("Signaling connect failed", "error", err)
			return fmt.Errorf("%w: connect signaling: %v", domain.ErrTransport, err)
		}
		return nil
	}

	if err := retry.Retry(ctx, c.cfg.Reconnect, dial, c.logRetry); err != nil {
		c.logger.Errorw("Signaling connect failed", "error", err)
		return fmt.Errorf("%w: connect signaling: %v", domain.ErrTransport, err)
	}
	return nil
}

func (c *Client) Send(env domain.Envelope) {
	if !c.Open() {
		c.logger.Warnw("Signaling not open, dropping envelope", "kind", env.Kind)
		return
	}

	data, err := env.Marshal()
	if err != nil {
		c.logger.Errorw("Failed to encode envelope", "kind", env.Kind, "error", err)
		return
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Warnw("Failed to send envelope", "kind", env.Kind, "error", err)
	}
}

func (c *Client) Subscribe(fn func(domain.Envelope)) subscription.ID {
	return c.subs.Add(fn)
}

func (c *Client) Unsubscribe(id subscription.ID) {
	c.subs.Remove(id)
}

func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Lost is closed once the connection is gone for good: after a disconnect
// with reconnect disabled, after reconnect gives up, or after Close.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.transport.Close()
	c.markLost()
	return err
}

func (c *Client) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

func (c *Client) logRetry(attempt int, err error, delay time.Duration) {
	c.logger.Warnw("Signaling connect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
}

func (c *Client) reconnect() {
	err := retry.Retry(c.ctx, c.cfg.Reconnect, func() error {
		return c.transport.Connect(c.ctx, c.cfg.URL, clientHandler{c})
	}, c.logRetry)
	if err != nil {
		c.logger.Errorw("Signaling reconnect abandoned", "error", err)
		c.markLost()
	}
}

type clientHandler struct {
	c *Client
}

func (h clientHandler) OnOpen() {
	h.c.mu.Lock()
	h.c.open = true
	h.c.mu.Unlock()
	h.c.logger.Infow("Signaling connected")
}

func (h clientHandler) OnMessage(data []byte) {
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		h.c.logger.Warnw("Discarding malformed signaling frame", "error", err, "size", len(data))
		return
	}
	h.c.subs.Dispatch(env)
}

func (h clientHandler) OnClose(err error) {
	h.c.mu.Lock()
	h.c.open = false
	closed := h.c.closed
	h.c.mu.Unlock()

	h.c.logger.Infow("Signaling disconnected", "error", err)
	if closed {
		h.c.markLost()
		return
	}
	if !h.c.cfg.Reconnect.Enabled {
		h.c.markLost()
		return
	}
	go h.c.reconnect()
}

func (h clientHandler) OnError(err error) {
	h.c.logger.Warnw("Signaling error", "error", err)
}
