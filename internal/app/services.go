package app

import (
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
	"github.com/fableforge/fableforge-backend/internal/services"
	"github.com/fableforge/fableforge-backend/internal/sse"
)

type Services struct {
	Notifier   services.RunNotifier
	Automation services.AutomationService
	Reconciler *services.Reconciler
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos, clients Clients, sseHub *sse.SSEHub, metrics *observability.Metrics) Services {
	log.Info("Wiring services...")

	notifier := services.NewRunNotifier(log, sseHub, clients.SSEBus)

	automation := services.NewAutomationService(
		db,
		log,
		reposet.AutomationRun,
		reposet.AutomationEvent,
		reposet.StoryUser,
		reposet.Book,
		clients.Bucket,
		clients.Evaluator,
		clients.Trainer,
		notifier,
		cfg.WebhookBaseURL+"/api/webhooks/training",
		metrics,
	)

	reconciler := services.NewReconciler(
		log,
		reposet.AutomationRun,
		reposet.AutomationEvent,
		reposet.Book,
		clients.Forge,
		notifier,
		metrics,
	)

	return Services{
		Notifier:   notifier,
		Automation: automation,
		Reconciler: reconciler,
	}
}
