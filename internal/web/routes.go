package web

import (
	"github.com/gin-gonic/gin"

	"github.com/calmirror/calmirror/internal/config"
)

// SetupRoutes configures the supervisory API routes.
func SetupRoutes(r *gin.Engine, h *Handlers, auth *config.BasicAuthConfig) {
	// Health endpoint (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)

	var authMiddleware gin.HandlerFunc
	if auth != nil && auth.Username != "" {
		authMiddleware = gin.BasicAuth(gin.Accounts{auth.Username: auth.Password})
	}

	api := r.Group("/api")
	api.Use(RateLimiter(10, 20))
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	{
		api.GET("/status", h.Status)
		api.GET("/cycles", h.Cycles)
	}

	// Sync and backup triggers hit the source server; rate limit harder.
	triggers := r.Group("/api")
	triggers.Use(RateLimiter(1, 2))
	if authMiddleware != nil {
		triggers.Use(authMiddleware)
	}
	{
		triggers.POST("/sync", h.TriggerSync)
		triggers.POST("/backup", h.TriggerBackup)
	}
}
