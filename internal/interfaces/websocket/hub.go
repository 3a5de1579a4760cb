package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
	"agentmesh/internal/domain/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected dashboard session. Each client carries its own
// pattern filter; an empty filter receives everything.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	patterns []string
}

// Hub streams bus events to websocket clients. It holds a single wildcard
// subscription on the bus and fans out to per-client send buffers; a slow
// client loses messages rather than stalling the hub.
type Hub struct {
	bus    *services.EventBus
	logger common.Logger

	mu             sync.RWMutex
	clients        map[*Client]bool
	subscriptionID string

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub attached to the bus
func NewHub(bus *services.EventBus, logger common.Logger) *Hub {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &Hub{
		bus:        bus,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		stopCh:     make(chan struct{}),
	}
}

// Run pumps registrations and broadcasts until Stop is called
func (h *Hub) Run() {
	id, err := h.bus.Subscribe("*", h.onEvent, nil)
	if err != nil {
		h.logger.Error("Failed to subscribe hub to bus", err)
		return
	}
	h.mu.Lock()
	h.subscriptionID = id
	h.mu.Unlock()

	for {
		select {
		case <-h.stopCh:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// drop for slow consumers
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts the hub down and detaches it from the bus
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		if h.subscriptionID != "" {
			h.bus.Unsubscribe(h.subscriptionID)
		}
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) onEvent(ctx context.Context, event *entities.Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		// hub backlog full; dashboards tolerate gaps
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the connection to the hub.
// The optional `types` query parameter holds comma-separated type patterns.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed", err)
		return
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		client.patterns = splitPatterns(raw)
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func splitPatterns(raw string) []string {
	patterns := make([]string, 0)
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				patterns = append(patterns, raw[start:i])
			}
			start = i + 1
		}
	}
	return patterns
}

func (c *Client) wants(message []byte) bool {
	if len(c.patterns) == 0 {
		return true
	}
	event := &entities.Event{}
	if err := json.Unmarshal(message, event); err != nil {
		return false
	}
	for _, pattern := range c.patterns {
		if matchPattern(pattern, event.Type) {
			return true
		}
	}
	return false
}

// matchPattern implements the same `*` glob the bus uses
func matchPattern(pattern, eventType string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == eventType
	}
	if !strings.HasPrefix(eventType, parts[0]) {
		return false
	}
	rest := eventType[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if !c.wants(message) {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
