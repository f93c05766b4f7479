// WebSocket hub for real-time fill and redemption events.

package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/predictarena/arena-engine/internal/ledger"
	"github.com/predictarena/arena-engine/internal/metrics"
)

const (
	wsSendBuffer = 32
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type string       `json:"type"`
	Data ledger.Event `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	// agentID filters the feed to one agent; uuid.Nil receives everything.
	agentID uuid.UUID
	send    chan []byte
}

// WSHub fans committed ledger events out to connected clients. It
// implements ledger.Notifier.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan ledger.Event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan ledger.Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It owns the client set and returns when ctx
// is done, closing every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.logger.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case ev := <-h.broadcast:
			data, err := json.Marshal(WSMessage{Type: string(ev.Type), Data: ev})
			if err != nil {
				h.logger.Error("ws encode failed", "err", err)
				continue
			}
			for c := range h.clients {
				if c.agentID != uuid.Nil && c.agentID != ev.AgentID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Notify queues ev for broadcast. Events are dropped when the buffer is
// full so settlement never blocks on slow clients.
func (h *WSHub) Notify(ev ledger.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast buffer full, event dropped", "type", ev.Type, "agent", ev.AgentID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional ?agent_id= restricts the feed to that agent.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var agentID uuid.UUID
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, "agent_id must be a UUID", http.StatusBadRequest)
			return
		}
		agentID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, agentID: agentID, send: make(chan []byte, wsSendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnects and keeps the read deadline moving on pongs.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
