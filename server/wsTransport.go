package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/dmxlink/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// hub tracks the connected websocket clients of one backend.
type hub struct {
	backend    *Backend
	maxClients int

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(b *Backend, maxClients int) *hub {
	return &hub{
		backend:    b,
		maxClients: maxClients,
		clients:    make(map[*wsClient]struct{}),
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	client := newWSClient(conn)

	if !h.backend.authorized(r) {
		slog.Warn("Rejecting websocket client with bad token", "remote_addr", r.RemoteAddr)
		_ = client.send(proto.NewErrorMessage(http.StatusUnauthorized, "unauthorized"))
		client.close()
		return
	}

	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		client.close()
		return
	}
	h.clients[client] = struct{}{}
	h.backend.metrics.wsClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	go h.handleConnection(client, r.RemoteAddr)
}

func (h *hub) handleConnection(client *wsClient, remoteAddr string) {
	slog.Info("WebSocket client connected", "addr", remoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.backend.metrics.wsClients.Set(float64(len(h.clients)))
		h.mu.Unlock()

		client.close()
		slog.Info("WebSocket client disconnected", "addr", remoteAddr)
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			return
		}
		h.handleMessage(client, data)
	}
}

func (h *hub) handleMessage(client *wsClient, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Invalid JSON message received", "error", err, "data", string(data))
		return
	}

	if env.Type == proto.TypePing {
		if err := client.send(proto.NewPong(env.TS)); err != nil {
			slog.Debug("Failed to send pong", "error", err)
		}
		return
	}

	cmd, err := proto.DecodeCommand(data)
	if err != nil {
		slog.Warn("Dropping undecodable command", "type", env.Type, "error", err)
		if env.ID != "" {
			_ = client.send(proto.Ack{Ack: env.ID, Accepted: false, Reason: ReasonValidationFailed})
		}
		return
	}

	slog.Debug("WebSocket command received", "type", env.Type, "id", env.ID, "size", len(data))
	ack, universe, changed := h.backend.apply("ws", cmd)
	if err := client.send(ack); err != nil {
		slog.Debug("Failed to send ack", "id", ack.Ack, "error", err)
	}
	if changed {
		h.broadcast(h.backend.stateUpdate(universe))
	}
}

func (h *hub) broadcast(st proto.StateUpdate) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(st); err != nil {
			slog.Debug("Failed to broadcast state", "error", err)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
