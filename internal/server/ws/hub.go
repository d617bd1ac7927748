package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"contribution-oracle/internal/pipeline"
	"contribution-oracle/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The oracle fronts dashboards and routers on other origins; access
	// control happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn  *websocket.Conn
	send  chan pipeline.Event
	model string
}

// Hub fans topology events from the pipeline bus out to websocket
// subscribers on the /pipeline namespace. A client may pin itself to one
// model with the ?model= query parameter.
type Hub struct {
	bus        *pipeline.Bus
	register   chan *client
	unregister chan *client
	clients    map[*client]bool
	done       chan struct{}
}

func NewHub(bus *pipeline.Bus) *Hub {
	return &Hub{
		bus:        bus,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
	}
}

// Run pumps bus events to connected clients until Stop.
func (h *Hub) Run() {
	subId, events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(subId)

	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			for c := range h.clients {
				if c.model != "" && c.model != event.Model {
					continue
				}
				select {
				case c.send <- event:
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

// ServeWs upgrades an HTTP request into a hub subscription.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		conn:  conn,
		send:  make(chan pipeline.Event, 32),
		model: r.URL.Query().Get("model"),
	}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				logging.Debug("Websocket write failed", logging.Server, "error", err)
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

// readPump discards inbound frames; the namespace is push-only. Its job is
// noticing the peer went away.
func (h *Hub) readPump(c *client) {
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
