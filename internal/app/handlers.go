package app

import (
	"github.com/fableforge/fableforge-backend/internal/handlers"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
	"github.com/fableforge/fableforge-backend/internal/sse"
)

type Handlers struct {
	Automation *handlers.AutomationHandler
	Webhooks   *handlers.WebhookHandler
	SSE        *handlers.SSEHandler
}

func wireHandlers(log *logger.Logger, cfg Config, services Services, clients Clients, sseHub *sse.SSEHub, metrics *observability.Metrics) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Automation: handlers.NewAutomationHandler(log, services.Automation),
		Webhooks:   handlers.NewWebhookHandler(log, clients.JobBus, cfg.WebhookSecret, metrics),
		SSE:        handlers.NewSSEHandler(log, sseHub),
	}
}
