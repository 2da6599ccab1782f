// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/discovery"
	"daq-bridge/internal/utils"
)

// DiscoveryHandler lists the host's serial ports for link configuration
type DiscoveryHandler struct {
	scanner *discovery.PortScanner
	logger  *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanner *discovery.PortScanner, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanner: scanner,
		logger:  utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ports", h.ListPorts)
}

// ListPorts returns the serial ports an instrument may be attached to
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	ports, err := h.scanner.Scan(c.Request.Context())
	if err != nil {
		h.logger.Error("Serial port scan failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}
