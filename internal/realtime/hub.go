// Package realtime broadcasts best-line, steam-move, and arbitrage events
// to connected clients, adapted from the teacher's
// services/optimization-service/internal/websocket/hub.go hub/client
// pattern: a register/unregister/broadcast select loop plus a buffered
// per-client send channel, but keyed by prop_id topic rather than user_id.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType distinguishes the broadcast payloads of spec.md 4.E/§6.
type EventType string

const (
	EventBestLineUpdated EventType = "best_line_updated"
	EventSteamMove       EventType = "steam_move"
	EventArbitrageFound  EventType = "arbitrage_found"
)

// Event is the wire shape pushed to subscribers.
type Event struct {
	Type   EventType   `json:"type"`
	PropID string      `json:"prop_id"`
	Data   interface{} `json:"data"`
}

// Client is one subscriber connection, optionally scoped to a single
// prop_id topic (empty means "all props").
type Client struct {
	Topic string
	Conn  *websocket.Conn
	Send  chan []byte
	hub   *Hub
}

// Hub fans broadcast events out to all connected clients, filtering by
// topic when a client subscribed to one prop_id.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string][]*Client
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	log        *logrus.Entry
	mu         sync.RWMutex
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string][]*Client),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run drives the hub's event loop. Call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.Topic != "" {
				h.topics[client.Topic] = append(h.topics[client.Topic], client)
			}
			h.mu.Unlock()
			h.log.WithField("total_clients", len(h.clients)).Info("realtime client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				if client.Topic != "" {
					peers := h.topics[client.Topic]
					for i, c := range peers {
						if c == client {
							h.topics[client.Topic] = append(peers[:i], peers[i+1:]...)
							break
						}
					}
					if len(h.topics[client.Topic]) == 0 {
						delete(h.topics, client.Topic)
					}
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.WithError(err).Error("failed to marshal realtime event")
				continue
			}

			h.mu.RLock()
			if event.PropID == "" {
				for client := range h.clients {
					h.send(client, data)
				}
			} else {
				for client := range h.clients {
					if client.Topic == "" || client.Topic == event.PropID {
						h.send(client, data)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		close(client.Send)
		delete(h.clients, client)
	}
}

// Publish enqueues an event for broadcast. Non-blocking: a full broadcast
// channel drops the event rather than stall the caller (odds ingestion
// must never block on slow websocket consumers).
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("realtime broadcast channel full, dropping event")
	}
}

// HandleWebSocket upgrades the request and registers a client, optionally
// scoped to a single prop_id via the ?prop_id= query parameter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	topic := c.Query("prop_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade websocket connection")
		return
	}

	client := &Client{
		Topic: topic,
		Conn:  conn,
		Send:  make(chan []byte, 256),
		hub:   h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.Conn.Close()
	}()
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.Conn.Close()
	for message := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.log.WithError(err).Error("failed to write websocket message")
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ConnectionCount reports the number of currently registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
