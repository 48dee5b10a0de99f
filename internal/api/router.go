package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus/readout-worker/internal/logging"
)

// NewRouter wires the handler routes
func NewRouter(h *Handler, logger *logging.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.Nop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.Named("http")))

	r.GET("/healthz", h.Health)
	r.HEAD("/healthz", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/recognize", h.Recognize)
		v1.GET("/engines", h.Engines)
		v1.GET("/profiles", h.Profiles)
		v1.GET("/profiles/:name", h.Profile)
	}

	return r
}

// requestLogger logs one line per request
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.FullPath() == "/healthz" {
			return
		}
		logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	}
}
