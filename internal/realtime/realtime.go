// Package realtime pushes domain events to dashboard clients over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/middleware"
)

var (
	// ErrHubClosed is returned by Publish once Run has returned.
	ErrHubClosed = errors.New("realtime hub closed")
	// ErrBufferFull is returned by Publish when the broadcast queue is full.
	ErrBufferFull = errors.New("realtime broadcast buffer full")
)

// MessageType represents different types of real-time messages
type MessageType string

const (
	MessageTypeEvent      MessageType = "event"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message is the frame sent to clients.
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	ClientID  string      `json:"client_id,omitempty"`
}

// SubscriptionRequest is sent by clients to choose topics. A client without
// topics receives every event.
type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// TopicOf maps an event type to its topic: the entity prefix before the dot.
func TopicOf(t events.Type) string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

type client struct {
	id     string
	actor  string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

func (c *client) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

type outbound struct {
	topic string
	data  []byte
}

type subscription struct {
	client *client
	req    SubscriptionRequest
}

// Hub maintains the set of active connections and broadcasts messages.
// Client channels are only written and closed by the Run goroutine.
type Hub struct {
	cfg        config.RealtimeConfig
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	done       chan struct{}
	mutex      sync.RWMutex
}

// NewHub creates a hub. Zero config values fall back to defaults.
func NewHub(cfg config.RealtimeConfig, logger *zap.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.Named("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, cfg.BufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.logger.Info("Realtime hub stopped")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			h.mutex.Unlock()
			h.logger.Debug("Client connected", zap.String("client_id", c.id), zap.String("actor", c.actor))

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug("Client disconnected", zap.String("client_id", c.id))

		case s := <-h.subscribe:
			h.applySubscription(s)

		case msg := <-h.broadcast:
			h.mutex.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.wants(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()
			for _, c := range slow {
				h.logger.Warn("Dropping slow client", zap.String("client_id", c.id))
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) applySubscription(s subscription) {
	h.mutex.RLock()
	_, connected := h.clients[s.client]
	h.mutex.RUnlock()
	if !connected {
		return
	}

	msg := Message{Type: MessageTypeSubscribed, Topic: "system", ClientID: s.client.id, Timestamp: time.Now().UTC()}
	switch s.req.Type {
	case "subscribe":
		for _, topic := range s.req.Topics {
			s.client.topics[topic] = true
		}
	case "unsubscribe":
		for _, topic := range s.req.Topics {
			delete(s.client.topics, topic)
		}
	default:
		msg.Type = MessageTypeError
		msg.Payload = fmt.Sprintf("unknown request type %q", s.req.Type)
	}
	if msg.Type == MessageTypeSubscribed {
		topics := make([]string, 0, len(s.client.topics))
		for topic := range s.client.topics {
			topics = append(topics, topic)
		}
		msg.Payload = topics
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.client.send <- data:
	default:
		h.drop(s.client)
	}
}

// Publish implements events.Publisher. Delivery to clients is asynchronous.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	topic := TopicOf(evt.Type)
	data, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Topic:     topic,
		Payload:   evt,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case h.broadcast <- outbound{topic: topic, data: data}:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectedClients returns the number of connected clients.
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	cl := &client{
		id:     uuid.NewString(),
		actor:  middleware.Actor(c),
		conn:   conn,
		send:   make(chan []byte, h.cfg.BufferSize),
		topics: make(map[string]bool),
	}

	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	pongWait := h.cfg.PingInterval * 10 / 9
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.logger.Debug("Ignoring malformed client message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		select {
		case h.subscribe <- subscription{client: c, req: req}:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
