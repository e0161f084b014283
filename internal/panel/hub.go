package panel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Browsers only send control frames and small requests.
	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

// relayed lists every bus event forwarded to browsers.
var relayed = []protocol.EventName{
	protocol.EventDeviceStateUpdate,
	protocol.EventDeviceStatusUpdate,
	protocol.EventScriptExecutionUpdate,
	protocol.EventDeviceDiscovered,
	protocol.EventAutomationTriggered,
	protocol.EventErrorNotification,
	protocol.EventPingReceived,
	protocol.EventConnectionState,
	protocol.EventConnectionFailed,
	protocol.EventOperationFailed,
	protocol.EventFleetChanged,
}

// Client is one browser WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans bus events out to connected browsers.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	detach []func()
}

// NewHub creates a hub and subscribes it to every relayed event on bus.
func NewHub(bus *events.Bus, log zerolog.Logger) *Hub {
	h := &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		clients: make(map[*Client]struct{}),
	}
	relay := events.NewCallback(h.relay)
	for _, name := range relayed {
		h.detach = append(h.detach, bus.Subscribe(name, relay))
	}
	return h
}

// Detach removes the hub from the bus.
func (h *Hub) Detach() {
	for _, off := range h.detach {
		off()
	}
	h.detach = nil
}

// relay runs on the publisher's goroutine, which may be the fleet apply
// loop. It never blocks.
func (h *Hub) relay(ev events.Event) error {
	data, err := json.Marshal(protocol.Message{Type: ev.Name, Payload: ev.Payload})
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Debug().Str("client", c.id).Msg("send buffer full, skipping")
		}
	}
}

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn, hello []byte) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	if hello != nil {
		c.send <- hello
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Msg("browser connected")
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Msg("browser disconnected")
}

// CloseAll disconnects every browser.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump drains the connection so control frames are handled and a
// closed browser is noticed.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
