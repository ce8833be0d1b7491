package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Hub streams every published event to connected websocket clients as JSON.
// A client whose send buffer is full is dropped.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string

	mu     sync.Mutex
	closed bool
}

// NewHub builds a hub accepting upgrades from allowedOrigin. An empty
// origin accepts any.
func NewHub(allowedOrigin string) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "" || origin == "" || origin == allowedOrigin
		},
	}
	return h
}

// Attach subscribes the hub to bus and returns the unsubscribe func.
func (h *Hub) Attach(bus *Bus) func() {
	return bus.Subscribe(h.Broadcast)
}

func (h *Hub) Broadcast(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		glog.Errorf("events: marshal %s: %v", e.Type, err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.offer(data) {
			glog.Warningf("events: send buffer full for %s, dropping client", c.subject)
			go h.detach(c)
		}
	}
}

// Serve upgrades the request and pumps events until the client goes away.
// subject identifies the authenticated caller in logs.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, subject string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("events: upgrade for %s: %v", subject, err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), subject: subject}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	glog.V(1).Infof("events: client %s attached", subject)

	go c.writePump()
	c.readPump()
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	glog.V(1).Infof("events: client %s detached", c.subject)
}

// offer queues data without blocking. It reports false only when the buffer
// is full; a closed client silently drops data.
func (c *client) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				glog.Warningf("events: write to %s: %v", c.subject, err)
				go c.hub.detach(c)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				go c.hub.detach(c)
				return
			}
		}
	}
}

// readPump only drains control frames; clients never send commands.
func (c *client) readPump() {
	defer c.hub.detach(c)
	c.conn.SetReadLimit(1 << 12)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("events: read from %s: %v", c.subject, err)
			}
			return
		}
	}
}
