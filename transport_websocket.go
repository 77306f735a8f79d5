package taskwire

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsHandshakeTimeout = 10 * time.Second

// WebsocketTransport is the primary push channel: one websocket to the
// backend, JSON frame envelopes both ways.
type WebsocketTransport struct {
	url   string
	token string

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan Frame
	err    error
	closed bool
}

func NewWebsocketTransport(url, token string) *WebsocketTransport {
	return &WebsocketTransport{
		url:    url,
		token:  token,
		frames: make(chan Frame, 64),
	}
}

// NewWebsocketFactory returns a TransportFactory for the given
// endpoint; the token is re-read per attempt so a refreshed credential
// picks up without restarting the session.
func NewWebsocketFactory(url string, token func() string) TransportFactory {
	return func() Transport {
		return NewWebsocketTransport(url, token())
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, _, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed during dial")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.frames)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.err = err
			}
			t.mu.Unlock()
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			// Malformed frames are dropped, never fatal.
			logrus.WithError(err).Warn("dropping malformed push frame")
			continue
		}
		t.frames <- frame
	}
}

func (t *WebsocketTransport) Send(f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return fmt.Errorf("websocket not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WebsocketTransport) Frames() <-chan Frame { return t.frames }

func (t *WebsocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	}
	return nil
}
