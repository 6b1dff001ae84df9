// SPDX-License-Identifier: MIT

package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
)

const (
	clientQueueSize = 256
	writeTimeout    = 5 * time.Second
	pongTimeout     = 60 * time.Second
	pingPeriod      = 45 * time.Second
)

// envelope is the wire frame sent to clients.
type envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// clientCommand is what clients may send: room membership changes.
type clientCommand struct {
	Action string `json:"action"` // "join" | "leave"
	Room   string `json:"room"`
}

// Hub is the in-process broadcaster implementation.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan envelope

	mu    sync.Mutex
	rooms map[string]bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		logger: log.WithComponent("broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are browsers on arbitrary origins; auth happens
			// upstream of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Broadcast serializes payload once and enqueues it to every subscriber of
// the room. Full client queues drop the frame for that client only.
func (h *Hub) Broadcast(room, eventName string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldRoom, room).Str(log.FieldEvent, eventName).
			Msg("broadcast payload not serializable")
		return
	}
	env := envelope{Room: room, Event: eventName, Payload: raw}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.inRoom(room) {
			continue
		}
		select {
		case c.send <- env:
		default:
			metrics.IncBroadcastDrop(room, eventName)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan envelope, clientQueueSize),
		// every client hears the live room; extra rooms are opt-in
		rooms: map[string]bool{RoomLive: true},
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.SetConnectedClients(h.ClientCount())
	h.logger.Debug().Str("client_id", c.id).Msg("client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "join":
			c.setRoom(cmd.Room, true)
		case "leave":
			c.setRoom(cmd.Room, false)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		close(c.send)
		_ = c.conn.Close()
		metrics.SetConnectedClients(h.ClientCount())
		h.logger.Debug().Str("client_id", c.id).Msg("client disconnected")
	}
}

func (c *client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *client) setRoom(room string, member bool) {
	if room == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if member {
		c.rooms[room] = true
	} else {
		delete(c.rooms, room)
	}
}

var _ Broadcaster = (*Hub)(nil)
