// internal/handler/bridge_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// BridgeHandler controls the bridge server
type BridgeHandler struct {
	device *service.DeviceService
	logger *utils.ServiceLogger
}

// NewBridgeHandler creates a new bridge handler
func NewBridgeHandler(device *service.DeviceService, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		device: device,
		logger: utils.NewServiceLogger(logger, "bridge-handler"),
	}
}

// RegisterRoutes registers bridge routes
func (h *BridgeHandler) RegisterRoutes(router *gin.RouterGroup) {
	bridge := router.Group("/bridge")
	{
		bridge.GET("", h.GetStatus)
		bridge.POST("/start", h.Start)
		bridge.POST("/stop", h.Stop)
		bridge.PUT("/allowed-client", h.SetAllowedClient)
	}
}

// GetStatus returns the bridge snapshot
func (h *BridgeHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Bridge status", h.device.BridgeStatus())
}

// Start starts the bridge listener
func (h *BridgeHandler) Start(c *gin.Context) {
	if err := h.device.StartBridge(c.Request.Context()); err != nil {
		h.logger.Warn("Bridge start failed", zap.Error(err))
		respondError(c, "Failed to start bridge", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Bridge started", h.device.BridgeStatus())
}

// Stop stops the bridge listener and disconnects its client
func (h *BridgeHandler) Stop(c *gin.Context) {
	if err := h.device.StopBridge(); err != nil {
		respondError(c, "Failed to stop bridge", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Bridge stopped", h.device.BridgeStatus())
}

// AllowedClientRequest is the body of PUT /bridge/allowed-client; an empty ip admits every peer
type AllowedClientRequest struct {
	IP string `json:"ip"`
}

// SetAllowedClient replaces the bridge allow-list
func (h *BridgeHandler) SetAllowedClient(c *gin.Context) {
	var req AllowedClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	if err := h.device.SetAllowedClient(req.IP); err != nil {
		respondError(c, "Failed to set allowed client", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Allowed client updated", h.device.BridgeStatus())
}
