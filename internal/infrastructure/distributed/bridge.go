package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peercall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Frame is a relayed signaling frame as carried between relay instances
type Frame struct {
	InstanceID string    `json:"instance_id"`
	PartyID    string    `json:"party_id"`
	Timestamp  time.Time `json:"timestamp"`
	Data       []byte    `json:"data"`
}

// RelayBridge carries frames between relay instances over Redis pub/sub so
// parties attached to different instances still reach each other.
type RelayBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewRelayBridge(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RelayBridge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayBridge{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

// UseBreaker guards publishing with cb. While it is open frames are not
// published and Publish returns circuitbreaker.ErrOpen immediately.
func (b *RelayBridge) UseBreaker(cb *circuitbreaker.CircuitBreaker) {
	b.breaker = cb
}

func (b *RelayBridge) Publish(ctx context.Context, partyID string, frame []byte) error {
	data, err := b.encode(partyID, frame)
	if err != nil {
		return err
	}
	publish := func() error {
		return b.client.Publish(ctx, b.channel, data).Err()
	}
	if b.breaker != nil {
		err = b.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Subscribe delivers frames published by other instances until ctx is done
func (b *RelayBridge) Subscribe(ctx context.Context, deliver func(partyID string, frame []byte)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Infow("relay bridge subscribed", "channel", b.channel, "instance_id", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay bridge channel closed")
			}
			frame, accepted := b.accept(msg.Payload)
			if !accepted {
				continue
			}
			deliver(frame.PartyID, frame.Data)
		}
	}
}

func (b *RelayBridge) encode(partyID string, frame []byte) ([]byte, error) {
	data, err := json.Marshal(Frame{
		InstanceID: b.instanceID,
		PartyID:    partyID,
		Timestamp:  time.Now(),
		Data:       frame,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// accept decodes a pub/sub payload and skips frames from this instance
func (b *RelayBridge) accept(payload string) (Frame, bool) {
	var frame Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		b.logger.Warnw("failed to unmarshal frame", "error", err, "size", len(payload))
		return Frame{}, false
	}
	if frame.InstanceID == b.instanceID {
		return Frame{}, false
	}
	if len(frame.Data) == 0 {
		b.logger.Warnw("dropping empty frame", "instance_id", frame.InstanceID)
		return Frame{}, false
	}
	return frame, true
}
