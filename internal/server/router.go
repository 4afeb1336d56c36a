package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fableforge/fableforge-backend/internal/handlers"
)

type RouterConfig struct {
	AutomationHandler *handlers.AutomationHandler
	WebhookHandler    *handlers.WebhookHandler
	SSEHandler        *handlers.SSEHandler

	AllowOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	allowOrigins := cfg.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Webhook-Secret"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/automation/runs", cfg.AutomationHandler.StartRun)
		api.GET("/automation/runs", cfg.AutomationHandler.ListRuns)
		api.GET("/automation/runs/:id", cfg.AutomationHandler.GetRun)
		api.GET("/automation/runs/:id/stream", cfg.SSEHandler.StreamRun)

		api.GET("/sse/stream", cfg.SSEHandler.Stream)

		api.POST("/webhooks/training", cfg.WebhookHandler.TrainingUpdated)
		api.POST("/webhooks/assembly", cfg.WebhookHandler.AssemblyUpdated)
	}

	return router
}
