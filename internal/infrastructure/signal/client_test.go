package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockTransport is a testify mock of Transport that keeps the handler so
// tests can drive it.
type mockTransport struct {
	mock.Mock
	mu      sync.Mutex
	handler TransportHandler
}

func (m *mockTransport) Connect(ctx context.Context, url string, handler TransportHandler) error {
	args := m.Called(url)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	handler.OnOpen()
	return nil
}

func (m *mockTransport) Send(data []byte) error {
	return m.Called(string(data)).Error(0)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

func (m *mockTransport) current() TransportHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

type envelopeLog struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (l *envelopeLog) add(env domain.Envelope) {
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
}

func (l *envelopeLog) all() []domain.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Envelope(nil), l.envs...)
}

func TestClient_EndToEndThroughRelay(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	ctx := context.Background()

	a := NewClient(ClientConfig{URL: url}, NewWebSocketTransport(time.Second, time.Second), nil)
	b := NewClient(ClientConfig{URL: url}, NewWebSocketTransport(time.Second, time.Second), nil)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	defer a.Close()
	defer b.Close()
	waitForParties(t, relay, 2)

	first, second := &envelopeLog{}, &envelopeLog{}
	b.Subscribe(first.add)
	b.Subscribe(second.add)

	offer := domain.Envelope{Kind: domain.SignalOffer, Value: `{"type":"offer","sdp":"v=0"}`}
	candidate := domain.Envelope{Kind: domain.SignalICECandidate, Value: `{"candidate":"c1"}`}
	a.Send(offer)
	a.Send(candidate)

	want := []domain.Envelope{offer, candidate}
	assert.Eventually(t, func() bool { return len(second.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, first.all())
	assert.Equal(t, want, second.all())
}

func TestClient_LostAfterRelayGoesAway(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	c := NewClient(ClientConfig{URL: url}, NewWebSocketTransport(time.Second, time.Second), nil)
	require.NoError(t, c.Connect(context.Background()))
	waitForParties(t, relay, 1)

	relay.Shutdown()

	select {
	case <-c.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the relay going away")
	}
	assert.False(t, c.Open())
}

func TestClient_DropsWhileNotOpen(t *testing.T) {
	transport := &mockTransport{}
	c := NewClient(ClientConfig{URL: "ws://relay"}, transport, nil)

	c.Send(domain.Envelope{Kind: domain.SignalOffer, Value: "x"})

	transport.AssertNotCalled(t, "Send", mock.Anything)
}

func TestClient_SendWritesEnvelope(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Connect", "ws://relay").Return(nil)
	transport.On("Send", `{"msgType":"answer","value":"a"}`).Return(nil).Once()
	c := NewClient(ClientConfig{URL: "ws://relay"}, transport, nil)
	require.NoError(t, c.Connect(context.Background()))

	c.Send(domain.Envelope{Kind: domain.SignalAnswer, Value: "a"})
	c.Send(domain.Envelope{Kind: "bogus", Value: "b"})

	transport.AssertExpectations(t)
}

func TestClient_DiscardsMalformedFrames(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Connect", mock.Anything).Return(nil)
	c := NewClient(ClientConfig{URL: "ws://relay"}, transport, nil)
	require.NoError(t, c.Connect(context.Background()))
	log := &envelopeLog{}
	id := c.Subscribe(log.add)

	h := transport.current()
	h.OnMessage([]byte(`{"msgType":"answer","value":`))
	h.OnMessage([]byte(`{"msgType":"greeting","value":"hi"}`))
	h.OnMessage([]byte(`{"msgType":"answer","value":"ok"}`))

	assert.Equal(t, []domain.Envelope{{Kind: domain.SignalAnswer, Value: "ok"}}, log.all())

	c.Unsubscribe(id)
	c.Unsubscribe(id)
	h.OnMessage([]byte(`{"msgType":"answer","value":"late"}`))
	assert.Len(t, log.all(), 1)
}

func TestClient_InertAfterDisconnectByDefault(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Connect", mock.Anything).Return(nil).Once()
	c := NewClient(ClientConfig{URL: "ws://relay"}, transport, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.Open())

	transport.current().OnError(errors.New("reset by peer"))
	transport.current().OnClose(errors.New("reset by peer"))

	select {
	case <-c.Lost():
	default:
		t.Fatal("expected the client to report the connection lost")
	}
	assert.False(t, c.Open())
	transport.AssertNumberOfCalls(t, "Connect", 1)
}

func TestClient_ReconnectsWhenEnabled(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Connect", mock.Anything).Return(nil).Once()
	transport.On("Connect", mock.Anything).Return(errors.New("refused")).Once()
	transport.On("Connect", mock.Anything).Return(nil).Once()
	transport.On("Close").Return(nil)

	cfg := ClientConfig{URL: "ws://relay", Reconnect: retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}}
	c := NewClient(cfg, transport, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	transport.current().OnClose(errors.New("relay restarted"))

	assert.Eventually(t, c.Open, 2*time.Second, 5*time.Millisecond)
	transport.AssertNumberOfCalls(t, "Connect", 3)
	select {
	case <-c.Lost():
		t.Fatal("client gave up despite reconnecting")
	default:
	}
}

func TestClient_ConnectFailureIsTransportError(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Connect", mock.Anything).Return(errors.New("refused"))
	c := NewClient(ClientConfig{URL: "ws://relay"}, transport, nil)

	err := c.Connect(context.Background())

	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, c.Open())
}
