package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// ErrUnauthorized is returned when the authority rejects the token.
var ErrUnauthorized = errors.New("authentication failed: 401 Unauthorized")

// WebSocketDialer dials the authority's push endpoint.
type WebSocketDialer struct {
	url string
	log zerolog.Logger
}

// NewWebSocketDialer returns a dialer for url (ws:// or wss://).
func NewWebSocketDialer(url string, log zerolog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		url: url,
		log: log.With().Str("component", "websocket").Logger(),
	}
}

// Dial opens a connection authenticated with token.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Transport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	c, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}

	t := &wsTransport{
		conn: c,
		log:  d.log,
		done: make(chan struct{}),
	}

	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.pingLoop()
	return t, nil
}

type wsTransport struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu        sync.Mutex // serializes writes
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			t.log.Error().Err(err).Msg("read error")
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return websocket.ErrCloseSent
	default:
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Only the first call has
// any effect.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		defer t.mu.Unlock()

		werr := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(closeGracePeriod),
		)
		err = t.conn.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			t.log.Debug().Err(werr).Msg("close frame not sent")
		}
	})
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.mu.Unlock()
			if err != nil {
				t.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
