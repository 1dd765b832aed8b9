package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Message is the envelope pushed to websocket clients.
type Message struct {
	Kind       string          `json:"kind"`
	Text       string          `json:"text,omitempty"`
	IsFinal    bool            `json:"is_final,omitempty"`
	Engine     string          `json:"engine,omitempty"`
	Status     string          `json:"status,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Hub fans out messages to connected websocket clients.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]chan []byte
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		conns:  make(map[*websocket.Conn]chan []byte),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	outbox := make(chan []byte, 32)
	h.mu.Lock()
	h.conns[conn] = outbox
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "clients", n)

	go h.writeLoop(conn, outbox)

	// Reads are discarded; they keep close detection working.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				h.logger.Debug("websocket read error", "error", err)
			}
			break
		}
	}

	h.drop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, outbox chan []byte) {
	for data := range outbox {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(conn)
			return
		}
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	conn.Close()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	outbox, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	if ok {
		close(outbox)
	}
	conn.Close()
}

// Broadcast sends msg to every connected client. Clients whose outbox
// is full are disconnected rather than allowed to stall the caller.
func (h *Hub) Broadcast(msg Message) {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	var stalled []*websocket.Conn
	for conn, outbox := range h.conns {
		select {
		case outbox <- data:
		default:
			stalled = append(stalled, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range stalled {
		h.logger.Debug("dropping stalled websocket client")
		h.drop(conn)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.drop(conn)
	}
}
