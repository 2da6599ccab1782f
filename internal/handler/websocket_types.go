// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"daq-bridge/internal/model"
)

// Client represents a WebSocket client of the event stream
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mu            sync.RWMutex
	subscriptions map[model.EventType]bool
}

// Subscribe limits the client to the given event types
func (c *Client) Subscribe(types ...model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventType]bool)
	}
	for _, t := range types {
		c.subscriptions[t] = true
	}
}

// Unsubscribe removes event types; a client with no subscriptions receives everything
func (c *Client) Unsubscribe(types ...model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.subscriptions, t)
	}
}

// Wants reports whether the client receives events of type t
func (c *Client) Wants(t model.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// Subscriptions lists the event types the client is limited to
func (c *Client) Subscriptions() []model.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]model.EventType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		types = append(types, t)
	}
	return types
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// SubscriptionRequest is the data of a subscribe or unsubscribe message
type SubscriptionRequest struct {
	EventTypes []model.EventType `json:"event_types"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel. It is safe to call twice.
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// Broadcast queues payload for every client interested in eventType.
// It returns the ids of clients whose queue was full.
func (cm *ConnectionManager) Broadcast(eventType model.EventType, payload []byte) []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var dropped []string
	for _, client := range cm.clients {
		if !client.Wants(eventType) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			dropped = append(dropped, client.ID)
		}
	}
	return dropped
}

// CloseAll unregisters every client
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	for id, client := range cm.clients {
		delete(cm.clients, id)
		close(client.Send)
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	Clients          []*Client `json:"clients"`
}
