// internal/middleware/logging_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"daq-bridge/internal/utils"
)

func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.LogAPIRequest(
			c.Request.Method,
			path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)
	}
}
