package app

import (
	"github.com/gin-gonic/gin"

	"github.com/fableforge/fableforge-backend/internal/server"
)

func wireRouter(cfg Config, handlers Handlers) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		AutomationHandler: handlers.Automation,
		WebhookHandler:    handlers.Webhooks,
		SSEHandler:        handlers.SSE,
		AllowOrigins:      cfg.AllowOrigins,
	})
}
