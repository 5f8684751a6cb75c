package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("signaling transport not connected")

// TransportHandler receives the lifecycle and inbound frames of a transport.
// OnClose is called exactly once per successful Connect.
type TransportHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
	OnError(err error)
}

// Transport is a duplex text channel to the relay
type Transport interface {
	Connect(ctx context.Context, url string, handler TransportHandler) error
	Send(data []byte) error
	Close() error
}

// WebSocketTransport is a Transport over gorilla/websocket. Writes from
// multiple goroutines are serialized.
type WebSocketTransport struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

func NewWebSocketTransport(dialTimeout, writeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		writeTimeout: writeTimeout,
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context, url string, handler TransportHandler) error {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.closing = false
	t.mu.Unlock()

	handler.OnOpen()
	go t.readLoop(conn, handler)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, handler TransportHandler) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			local := t.closing && t.conn == conn
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()

			if local || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				handler.OnClose(nil)
				return
			}
			handler.OnError(err)
			handler.OnClose(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handler.OnMessage(data)
	}
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.closing = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
