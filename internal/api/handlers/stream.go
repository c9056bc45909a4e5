package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anthropics/reloadcore/internal/reload"
)

// StreamHandler serves GET /control/status/stream: a WebSocket pushing
// ReloadOrchestrator state transitions to connected operators in real
// time.
type StreamHandler struct {
	orchestrator *reload.ReloadOrchestrator
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewStreamHandler constructs a StreamHandler and subscribes it to
// orchestrator state changes for the lifetime of the process.
func NewStreamHandler(orchestrator *reload.ReloadOrchestrator, logger *slog.Logger) *StreamHandler {
	h := &StreamHandler{
		orchestrator: orchestrator,
		logger:       logger,
		clients:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	orchestrator.OnStateChange(h.broadcast)
	return h
}

type stateEvent struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

func (h *StreamHandler) broadcast(state reload.OrchestratorState) {
	ev := stateEvent{State: string(state), Timestamp: time.Now().Format(time.RFC3339)}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("dropping status-stream client", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// HandleStream upgrades the request to a WebSocket connection and keeps it
// registered for broadcasts until the client disconnects.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("status stream upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain client reads (pings/close frames); this handler never expects
	// inbound payloads.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
