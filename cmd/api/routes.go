package main

import (
	"telecom-platform/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers. Keep this file free of
// business logic; handlers delegate to internal/callqueue.
func registerRoutes(r *gin.Engine, h httpapi.Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", h.EnqueueOne)
			calls.POST("/bulk", h.EnqueueBulk)
			calls.GET("/:call_id", h.GetStatus)
		}

		v1.GET("/queue/metrics", h.GetQueueMetrics)
	}
}
