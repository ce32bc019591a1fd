// Package feed streams session activity to an operator UI over a
// websocket. One UI client at a time; a new connection replaces the
// old one.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventEnvelope EventType = "envelope"
	EventGate     EventType = "gate"
	EventPhase    EventType = "phase"
	EventTarget   EventType = "target"
	EventStatus   EventType = "status"
)

// Frame is the wire format for one feed message.
type Frame struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed binds to loopback; the UI is the only consumer.
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	mu         sync.Mutex
	client     *client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	log        *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log,
	}
}

// Run owns the client slot until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			if h.client != nil {
				close(h.client.send)
				h.client = nil
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.client != nil {
				close(h.client.send)
			}
			h.client = c
			h.mu.Unlock()
			h.log.Debug("feed client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if h.client == c {
				close(h.client.send)
				h.client = nil
			}
			h.mu.Unlock()
			h.log.Debug("feed client disconnected")
		case message := <-h.broadcast:
			h.mu.Lock()
			c := h.client
			h.mu.Unlock()
			if c == nil {
				continue
			}
			select {
			case c.send <- message:
			default:
				// Slow consumer; drop the frame rather than stall the loop.
			}
		}
	}
}

// Broadcast queues one frame. Never blocks the caller; with no client
// connected or a full queue the frame is dropped.
func (h *Hub) Broadcast(eventType EventType, data any) {
	frame, err := MarshalFrame(eventType, data)
	if err != nil {
		h.log.WithError(err).Warn("marshal feed frame")
		return
	}
	select {
	case h.broadcast <- frame:
	default:
	}
}

func MarshalFrame(eventType EventType, data any) ([]byte, error) {
	return json.Marshal(Frame{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ServeWS upgrades an HTTP request into the feed connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("feed upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
