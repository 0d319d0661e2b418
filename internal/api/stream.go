package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/parking"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub pushes confirmed arrive/leave events to connected websocket clients.
// It satisfies the change worker's publisher contract, so it sits next to
// the NATS publisher behind a fan-out.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan parking.ChangeEvent
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// PublishChange broadcasts a transition. Rows with no change_type never
// reach clients. A client too slow to drain its buffer misses the event
// rather than stalling the worker.
func (h *Hub) PublishChange(lot *data.ChannelLot, change *data.ParkingChange) error {
	if change.ChangeType == nil {
		return nil
	}
	event := parking.NewChangeEvent(lot, change)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
		}
	}
	return nil
}

// ServeWS upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] [api] websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan parking.ChangeEvent, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.conn.Close()
}

// readLoop discards inbound frames; its job is noticing the disconnect.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}
