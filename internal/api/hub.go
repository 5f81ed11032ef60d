package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// upgrader upgrades a GET /api/logs/stream request to a websocket. The
// management API is meant for an operator on the same network as the
// gateway, so CheckOrigin is permissive rather than checking a list of
// allowed origins (unlike the VXI-11 façade, which never terminates TLS
// or serves a browser client at all).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is the envelope pushed to every websocket client, grounded on
// CK6170-CalRunrilla-web's WSMessage.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub fans log lines and reload notifications out to every connected
// GET /api/logs/stream client. One gateway process holds one Hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

func (h *Hub) add(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Broadcast marshals msg once and fans it out to every connected client.
// Write failures are ignored; the client's read loop notices the
// disconnect and removes it.
func (h *Hub) Broadcast(msg Event) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		_ = c.send(b)
	}
}

// Write implements io.Writer so a Hub can be used as a zerolog output:
// every log line written through it is also broadcast as a "log" event.
func (h *Hub) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	h.Broadcast(Event{Type: "log", Data: string(cp)})
	return len(p), nil
}

func (m *Middleware) handleLogStream(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := hub.add(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.remove(client)
				return
			}
		}
	}
}
