package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// corsMiddleware opens the API to browser dashboards. The execution
// stream endpoints are consumed straight from frontends, so preflights
// must succeed from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Cache-Control, Last-Event-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
