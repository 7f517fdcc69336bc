package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Router(h *Handler) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.d.Log))

	v1 := r.Group("/v1")
	{
		v1.GET("/health", h.Health)

		v1.GET("/scanner/status", h.ScannerStatus)
		v1.POST("/scanner/start", h.ScannerStart)
		v1.POST("/scanner/stop", h.ScannerStop)

		v1.POST("/planner/run", h.RunPlanner)
		v1.POST("/retention/run", h.RunRetention)

		v1.GET("/scheduled", h.ListScheduled)
		v1.GET("/scheduled/:id", h.GetScheduled)

		v1.GET("/queue/stats", h.QueueStats)
		v1.GET("/queue/dead", h.DeadLetters)

		v1.GET("/stats", h.Stats)
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "paired-messaging")
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
