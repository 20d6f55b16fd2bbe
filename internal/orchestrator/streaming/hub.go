// Package streaming handles WebSocket connections for real-time
// orchestration event delivery.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Envelope is the wire format sent to clients: the event plus the channel
// it was routed through.
type Envelope struct {
	Channel string     `json:"channel"`
	Event   *bus.Event `json:"event"`
}

// subscribeMessage is what clients send to manage their subscriptions.
type subscribeMessage struct {
	Action  string `json:"action"` // subscribe, unsubscribe
	Channel string `json:"channel"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe adds the client to a channel.
func (c *Client) Subscribe(channel string) {
	c.hub.SubscribeClient(c, channel)
}

// Unsubscribe removes the client from a channel.
func (c *Client) Unsubscribe(channel string) {
	c.hub.UnsubscribeClient(c, channel)
}

// ReadPump drains client messages and applies subscription changes. It
// exits when the connection drops, unregistering the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}
		switch msg.Action {
		case "subscribe":
			if msg.Channel != "" {
				c.Subscribe(msg.Channel)
			}
		case "unsubscribe":
			if msg.Channel != "" {
				c.Unsubscribe(msg.Channel)
			}
		}
	}
}

// WritePump forwards queued messages to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub manages all WebSocket clients and their channel subscriptions
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by channel for message routing
	channelClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Envelope

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		channelClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Envelope, 256),
		logger:         log.WithComponent("websocket_hub"),
	}
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.channelClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// Publish routes an event to every client subscribed to one of the
// channels. It is the sink wired into the broadcaster; it never blocks.
func (h *Hub) Publish(channels []string, event *bus.Event) {
	for _, channel := range channels {
		select {
		case h.broadcast <- &Envelope{Channel: channel, Event: event}:
		default:
			h.logger.Warn("hub broadcast buffer full, dropping event",
				zap.String("channel", channel),
				zap.String("event_type", event.Type))
		}
	}
}

func (h *Hub) deliver(env *Envelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.channelClients[env.Channel]))
	for client := range h.channelClients[env.Channel] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Client send buffer is full, drop the connection
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()
		}
	}
}

// dropClient removes a client and its subscriptions. Callers hold h.mu.
func (h *Hub) dropClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel, clients := range h.channelClients {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channelClients, channel)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient subscribes a client to a channel
func (h *Hub) SubscribeClient(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channelClients[channel]; !ok {
		h.channelClients[channel] = make(map[*Client]bool)
	}
	h.channelClients[channel][client] = true
	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("channel", channel))
}

// UnsubscribeClient unsubscribes a client from a channel
func (h *Hub) UnsubscribeClient(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channelClients[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channelClients, channel)
		}
	}
	h.logger.Debug("client unsubscribed",
		zap.String("client_id", client.ID),
		zap.String("channel", channel))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetChannelSubscriberCount returns the number of clients on a channel
func (h *Hub) GetChannelSubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelClients[channel])
}
