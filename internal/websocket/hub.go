// Package websocket streams add-on events to subscribed clients.
//
// Clients subscribe by sending {"action":"subscribe","channels":["addons","downloads"]}.
// Every broadcast is a Message on one channel.
package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Channels the server broadcasts on
const (
	ChannelAddOns    = "addons"
	ChannelDownloads = "downloads"
)

// KnownChannel reports whether the server ever broadcasts on channel
func KnownChannel(channel string) bool {
	return channel == ChannelAddOns || channel == ChannelDownloads
}

// Message represents a WebSocket message
type Message struct {
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
}

// Hub fans broadcasts out to the clients subscribed to each channel
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			log.Printf("[WebSocket] Hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				client.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) deliver(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[WebSocket] Failed to marshal %s event: %v", message.Event, err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscribed(message.Channel) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// slow clients are dropped rather than stalling every other subscriber
	for _, client := range slow {
		log.Printf("[WebSocket] Dropping slow client")
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
}

// Broadcast sends a message to all clients subscribed to channel. It never
// blocks once the hub is shut down.
func (h *Hub) Broadcast(channel string, event string, data interface{}) {
	message := &Message{
		Channel: channel,
		Event:   event,
		Data:    data,
	}
	select {
	case h.broadcast <- message:
	case <-h.shutdown:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown gracefully shuts down the WebSocket hub. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.shutdown) })
}

func (c *Client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.send)
		c.closed = true
	}
}

// subscription is the only message clients send
type subscription struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
		close(c.done)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg subscription
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.Subscribe(msg.Channels...)
		case "unsubscribe":
			c.mu.Lock()
			for _, channel := range msg.Channels {
				delete(c.channels, channel)
			}
			c.mu.Unlock()
		}
	}
}

// Subscribe adds channels to the client. Unknown channels are ignored.
func (c *Client) Subscribe(channels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, channel := range channels {
		if KnownChannel(channel) {
			c.channels[channel] = true
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WebSocket] Write failed: %v", err)
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

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Start registers the client and begins its read and write loops
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
	select {
	case c.hub.register <- c:
	case <-c.hub.shutdown:
	}
}

// Wait blocks until the client connection is closed
func (c *Client) Wait() {
	<-c.done
}
