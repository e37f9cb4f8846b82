package ingress

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duguai/tradeflow/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Operator tooling connects from anywhere; the stream is read-only.
		return true
	},
}

// Hub fans queue events out to connected status websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *log.Logger
}

type wsClient struct {
	send chan queue.Event
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast delivers an event to every client; slow clients drop events
// rather than block the pipeline.
func (h *Hub) Broadcast(ev queue.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// handleStatusWS upgrades the connection and streams job transitions.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[ingress] websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	client := &wsClient{send: make(chan queue.Event, 256)}
	s.hub.register(client)
	defer s.hub.unregister(client)

	s.logger.Printf("[ingress] status websocket connected from %s", r.RemoteAddr)

	go s.writePump(ws, client)
	s.readPump(ws)
}

func (s *Server) writePump(ws *websocket.Conn, client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case ev, ok := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Printf("[ingress] websocket write error: %v", err)
				}
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pings/pongs and closes are processed.
func (s *Server) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(512)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
