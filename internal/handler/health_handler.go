// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/config"
	"daq-bridge/internal/model"
	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	device    *service.DeviceService
	firmware  *service.FirmwareService
	config    *config.Config
	startedAt time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(device *service.DeviceService, firmware *service.FirmwareService, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		device:    device,
		firmware:  firmware,
		config:    config,
		startedAt: time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the route to the instrument, the bridge and the firmware engine.
// The service is degraded when no route to the instrument exists.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	bridgeStatus := h.device.BridgeStatus()
	bridgeCheck := CheckResult{Status: "stopped", Data: bridgeStatus}
	if bridgeStatus.Running {
		bridgeCheck.Status = "waiting"
		if bridgeStatus.ClientConnected {
			bridgeCheck.Status = "connected"
		}
	}
	health.Checks["bridge"] = bridgeCheck

	if link := h.device.LinkInfo(); link != nil {
		linkCheck := CheckResult{Status: "configured", Data: link}
		if link.Stats.LastError != "" {
			linkCheck.Message = link.Stats.LastError
		}
		health.Checks["link"] = linkCheck
	} else {
		health.Checks["link"] = CheckResult{Status: "absent", Message: "No direct link configured"}
	}

	if h.firmware != nil {
		state := h.firmware.Status()
		health.Checks["firmware"] = CheckResult{Status: string(state.Phase), Message: state.LastError, Data: state}
	}

	health.Route = h.route()
	if health.Route == "" {
		health.Status = "degraded"
	}

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck succeeds when commands have somewhere to go
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	route := h.route()
	if route == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "bridge stopped and no direct link configured",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"route":     route,
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (h *HealthHandler) route() model.Route {
	route := h.device.Route()
	if route == model.RouteDirect && h.device.LinkInfo() == nil {
		return ""
	}
	return route
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Route     model.Route            `json:"route,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
