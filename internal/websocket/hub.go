package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"match-service/internal/domain"
	"match-service/internal/metrics"
)

// Hub owns every live connection on this instance. Cross-instance delivery
// goes through the relay and the bus; the hub only knows local sockets.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*Client // by connection id
	byUser    map[uuid.UUID]*Client

	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[uuid.UUID]*Client),
		byUser:     make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			// A second connection for the same user replaces the first.
			if prev, ok := h.byUser[client.userID]; ok && prev != client {
				delete(h.clients, prev.connectionID)
				close(prev.send)
			}
			h.clients[client.connectionID] = client
			h.byUser[client.userID] = client
			h.clientsMu.Unlock()

			metrics.WSConnectionsTotal.Inc()
			metrics.WSActiveConnections.Inc()
			h.logger.Info("client registered",
				zap.String("userId", client.userID.String()),
				zap.String("connectionId", client.connectionID.String()))

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client.connectionID]; ok {
				delete(h.clients, client.connectionID)
				if cur, ok := h.byUser[client.userID]; ok && cur == client {
					delete(h.byUser, client.userID)
				}
				close(client.send)
				metrics.WSActiveConnections.Dec()
			}
			h.clientsMu.Unlock()

			h.logger.Info("client unregistered",
				zap.String("userId", client.userID.String()),
				zap.String("connectionId", client.connectionID.String()))
		}
	}
}

// SendToConnection queues an event for a local connection. Returns false if
// the connection is not here (moved instances or already gone).
func (h *Hub) SendToConnection(connectionID uuid.UUID, ev domain.Event) bool {
	h.clientsMu.RLock()
	client, ok := h.clients[connectionID]
	h.clientsMu.RUnlock()
	if !ok {
		return false
	}
	return client.enqueue(ev)
}

// SendToUser queues an event for whichever local connection the user holds.
func (h *Hub) SendToUser(userID uuid.UUID, ev domain.Event) bool {
	h.clientsMu.RLock()
	client, ok := h.byUser[userID]
	h.clientsMu.RUnlock()
	if !ok {
		return false
	}
	return client.enqueue(ev)
}

// Broadcast queues an event for every local connection.
func (h *Hub) Broadcast(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", zap.Error(err))
		return
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; skip rather than block the broadcast.
		}
	}
}

// HasUser reports whether the user holds a connection on this instance.
func (h *Hub) HasUser(userID uuid.UUID) bool {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	_, ok := h.byUser[userID]
	return ok
}

// ConnectionCount reports the number of local connections.
func (h *Hub) ConnectionCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// LocalClients snapshots the current local clients.
func (h *Hub) LocalClients() []*Client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// CloseAll disconnects every local client, used during shutdown.
func (h *Hub) CloseAll() {
	for _, client := range h.LocalClients() {
		client.conn.Close()
	}
}
