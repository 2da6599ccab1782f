// internal/middleware/recovery_middleware.go
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"daq-bridge/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope tagged with the request id.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		logger.Error("Handler panicked",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(fmt.Errorf("panic: %v", recovered)),
			zap.Stack("stacktrace"),
		)

		utils.ErrorResponse(c, http.StatusInternalServerError, "Internal server error", nil)
		c.Abort()
	})
}
