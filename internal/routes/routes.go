// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/config"
	"daq-bridge/internal/discovery"
	"daq-bridge/internal/handler"
	"daq-bridge/internal/middleware"
	"daq-bridge/internal/service"
	"daq-bridge/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config          *config.Config
	logger          *zap.Logger
	deviceService   *service.DeviceService
	firmwareService *service.FirmwareService
	portScanner     *discovery.PortScanner
	wsHandler       *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	deviceService *service.DeviceService,
	firmwareService *service.FirmwareService,
	portScanner *discovery.PortScanner,
	wsHandler *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:          config,
		logger:          logger,
		deviceService:   deviceService,
		firmwareService: firmwareService,
		portScanner:     portScanner,
		wsHandler:       wsHandler,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deviceService, r.firmwareService, r.config, r.logger)
	commandHandler := handler.NewCommandHandler(r.deviceService, r.logger)
	bridgeHandler := handler.NewBridgeHandler(r.deviceService, r.logger)
	firmwareHandler := handler.NewFirmwareHandler(r.firmwareService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.portScanner, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router.Group(""))

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	commandHandler.RegisterRoutes(apiV1)
	bridgeHandler.RegisterRoutes(apiV1)
	firmwareHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	if r.wsHandler != nil {
		r.wsHandler.RegisterRoutes(router.Group("/ws"))
	}

	r.logger.Info("All routes configured successfully")
}
