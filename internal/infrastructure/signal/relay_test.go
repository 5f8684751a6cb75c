package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	cfg.WriteTimeout = time.Second
	cfg.MessagesPerSecond = 0
	return cfg
}

func startRelay(t *testing.T, cfg RelayConfig, opts ...RelayOption) (*Relay, string) {
	t.Helper()
	relay := NewRelay(cfg, nil, opts...)
	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(func() {
		relay.Shutdown()
		server.Close()
	})
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForParties(t *testing.T, relay *Relay, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return relay.PartyCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame %q", data)
}

func TestRelay_ForwardsVerbatimToOtherParty(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	a := dialRelay(t, url)
	b := dialRelay(t, url)
	waitForParties(t, relay, 2)

	frame := `{"msgType":"offer",  "value":"{\"type\":\"offer\",\"sdp\":\"v=0\"}"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(frame)))

	assert.Equal(t, frame, readFrame(t, b))
	assertNoFrame(t, a)
}

func TestRelay_RejectsPartiesBeyondLimit(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	dialRelay(t, url)
	dialRelay(t, url)
	waitForParties(t, relay, 2)

	c := dialRelay(t, url)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "relay full", closeErr.Text)
	assert.Equal(t, 2, relay.PartyCount())
}

func TestRelay_SlotFreedOnDisconnect(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	a := dialRelay(t, url)
	dialRelay(t, url)
	waitForParties(t, relay, 2)

	a.Close()
	waitForParties(t, relay, 1)

	dialRelay(t, url)
	waitForParties(t, relay, 2)
}

func TestRelay_DropsMalformedFrames(t *testing.T) {
	relay, url := startRelay(t, testRelayConfig())
	a := dialRelay(t, url)
	b := dialRelay(t, url)
	waitForParties(t, relay, 2)

	valid := `{"msgType":"ice_candidate","value":"{}"}`
	for _, frame := range []string{
		"not json",
		`{"msgType":"hello","value":"x"}`,
		`{"msgType":"offer","value":"x","extra":1}`,
		valid,
	} {
		require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	assert.Equal(t, valid, readFrame(t, b))
	assertNoFrame(t, b)
}

func TestRelay_RateLimitsParty(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 1
	relay, url := startRelay(t, cfg)
	a := dialRelay(t, url)
	b := dialRelay(t, url)
	waitForParties(t, relay, 2)

	first := `{"msgType":"offer","value":"1"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(first)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"msgType":"offer","value":"2"}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"msgType":"offer","value":"3"}`)))

	assert.Equal(t, first, readFrame(t, b))
	assertNoFrame(t, b)
}

func TestRelay_RejectsOversizedFrames(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxMessageBytes = 64
	relay, url := startRelay(t, cfg)
	a := dialRelay(t, url)
	dialRelay(t, url)
	waitForParties(t, relay, 2)

	big := `{"msgType":"offer","value":"` + strings.Repeat("x", 128) + `"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(big)))

	waitForParties(t, relay, 1)
}

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	deliver   func(partyID string, frame []byte)
	ready     chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ready: make(chan struct{})}
}

func (b *fakeBroker) Publish(ctx context.Context, partyID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, string(frame))
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, deliver func(partyID string, frame []byte)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func TestRelay_BridgesThroughBroker(t *testing.T) {
	broker := newFakeBroker()
	relay, url := startRelay(t, testRelayConfig(), WithBroker(broker))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)
	<-broker.ready

	a := dialRelay(t, url)
	waitForParties(t, relay, 1)

	local := `{"msgType":"offer","value":"local"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(local)))
	assert.Eventually(t, func() bool { return len(broker.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{local}, broker.frames())

	remote := `{"msgType":"answer","value":"remote"}`
	broker.deliver("party-on-other-instance", []byte(remote))
	assert.Equal(t, remote, readFrame(t, a))
}

type fakeRegistry struct {
	mu      sync.Mutex
	members map[string]bool
	err     error
}

func (r *fakeRegistry) Admit(ctx context.Context, partyID string, limit int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	if len(r.members) >= limit {
		return false, nil
	}
	r.members[partyID] = true
	return true, nil
}

func (r *fakeRegistry) Touch(ctx context.Context, partyID string) error { return nil }

func (r *fakeRegistry) Release(ctx context.Context, partyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, partyID)
	return nil
}

func TestRelay_SharedRegistryLimitsParties(t *testing.T) {
	// another instance already holds one slot
	registry := &fakeRegistry{members: map[string]bool{"elsewhere": true}}
	relay, url := startRelay(t, testRelayConfig(), WithPartyRegistry(registry))

	dialRelay(t, url)
	waitForParties(t, relay, 1)

	c := dialRelay(t, url)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 1, relay.PartyCount())
}

func TestRelay_OriginCheck(t *testing.T) {
	cfg := testRelayConfig()
	cfg.AllowedOrigins = []string{"https://call.example"}
	_, url := startRelay(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://call.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
