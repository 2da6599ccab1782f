// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"daq-bridge/internal/model"
	"daq-bridge/internal/utils"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WebSocketHandler streams bus events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	eventBus    *EventBus
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty or "*" origin list admits every origin.
func NewWebSocketHandler(eventBus *EventBus, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		eventBus:    eventBus,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// Run forwards bus events to connected clients until ctx is done
func (h *WebSocketHandler) Run(ctx context.Context) {
	events, unsubscribe := h.eventBus.Subscribe()
	defer unsubscribe()
	defer h.connections.CloseAll()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(event)
		}
	}
}

// HandleEventConnection upgrades the request and registers an event client
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	for _, t := range c.QueryArray("type") {
		client.Subscribe(model.EventType(t))
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "welcome",
		Data:      gin.H{"client_id": client.ID, "event_types": client.Subscriptions()},
		Timestamp: time.Now(),
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message struct {
			Type      string              `json:"type"`
			Data      SubscriptionRequest `json:"data"`
			RequestID string              `json:"request_id"`
		}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		h.handleClientMessage(client, message.Type, message.Data, message.RequestID)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, msgType string, req SubscriptionRequest, requestID string) {
	switch msgType {
	case "subscribe":
		client.Subscribe(req.EventTypes...)
		h.sendMessage(client, &WebSocketMessage{
			Type:      "subscription_confirmed",
			Data:      gin.H{"event_types": client.Subscriptions()},
			Timestamp: time.Now(),
			RequestID: requestID,
		})
	case "unsubscribe":
		client.Unsubscribe(req.EventTypes...)
		h.sendMessage(client, &WebSocketMessage{
			Type:      "subscription_confirmed",
			Data:      gin.H{"event_types": client.Subscriptions()},
			Timestamp: time.Now(),
			RequestID: requestID,
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: requestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", msgType),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, "unknown message type: "+msgType)
	}
}

func (h *WebSocketHandler) broadcast(event model.Event) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "event",
		Data:      event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, id := range h.connections.Broadcast(event.EventType, messageBytes) {
		h.logger.Warn("Client send channel full during broadcast",
			zap.String("client_id", id),
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	h.connections.mutex.RLock()
	defer h.connections.mutex.RUnlock()
	if _, ok := h.connections.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      gin.H{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
