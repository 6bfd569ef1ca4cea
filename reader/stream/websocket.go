package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var errNotConnected = errors.New("websocket not connected")

// WebSocketTransport is a gorilla/websocket client with a ping keep-alive.
type WebSocketTransport struct {
	dialer       *websocket.Dialer
	pingInterval time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketTransport returns an unconnected transport.
func NewWebSocketTransport(opts TransportOptions) *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024,
		},
		pingInterval: opts.PingInterval,
		done:         make(chan struct{}),
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context, url string, headers http.Header) error {
	conn, resp, err := t.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.pingInterval > 0 {
		go t.ping(conn)
	}
	return nil
}

func (t *WebSocketTransport) ping(conn *websocket.Conn) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WebSocketTransport) Next(ctx context.Context) (Frame, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Frame{}, errNotConnected
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			return Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Frame{Type: FrameText, Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Type: FrameBinary, Data: data}, nil
		}
	}
}

// Close is safe to call more than once and from any goroutine; it unblocks
// a pending Next.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
	})
	return err
}
