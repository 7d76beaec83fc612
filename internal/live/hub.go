package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeTimeout = 10 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// clientMessage is what browsers send: {"action":"join","room":"<job id>"}.
type clientMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// outbound is the frame written to clients.
type outbound struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans events out to WebSocket clients grouped in rooms.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]map[string]bool
	rooms    map[string]map[*client]bool
	throttle *rate.Limiter
}

// NewHub creates a Hub. A positive throttle interval limits how often
// throttleable events are forwarded; zero disables throttling.
func NewHub(throttle time.Duration) *Hub {
	h := &Hub{
		clients: make(map[*client]map[string]bool),
		rooms:   make(map[string]map[*client]bool),
	}
	if throttle > 0 {
		h.throttle = rate.NewLimiter(rate.Every(throttle), 1)
	}
	return h
}

// Publish delivers locally, so the hub can stand in for a RedisPublisher
// when producer and hub share a process.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.Deliver(ev)
	return nil
}

// Deliver writes ev to the members of its room, or to everyone when it has none.
func (h *Hub) Deliver(ev Event) {
	if ev.Throttle && h.throttle != nil && !h.throttle.Allow() {
		return
	}

	data, err := json.Marshal(outbound{Event: ev.Name, Room: ev.Room, Data: ev.Payload})
	if err != nil {
		slog.Error("encode outbound event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	if ev.Room == "" {
		for c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		for c := range h.rooms[ev.Room] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			slog.Warn("write to websocket client failed", "event", ev.Name, "error", err)
		}
	}
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// HandleWebSocket upgrades the request and serves join/leave messages until
// the client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = make(map[string]bool)
	h.mu.Unlock()

	defer func() {
		h.remove(c)
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}
		if msg.Room == "" {
			continue
		}
		switch msg.Action {
		case "join":
			h.join(c, msg.Room)
		case "leave":
			h.leave(c, msg.Room)
		}
	}
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.clients[c][room] = true
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]bool)
	}
	h.rooms[room][c] = true
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c], room)
	h.dropMember(c, room)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.clients[c] {
		h.dropMember(c, room)
	}
	delete(h.clients, c)
}

// dropMember removes c from room. Callers hold mu.
func (h *Hub) dropMember(c *client, room string) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
