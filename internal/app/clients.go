package app

import (
	"fmt"

	"github.com/fableforge/fableforge-backend/internal/clients/bookforge"
	"github.com/fableforge/fableforge-backend/internal/clients/gcp"
	"github.com/fableforge/fableforge-backend/internal/clients/modeltrain"
	redisclient "github.com/fableforge/fableforge-backend/internal/clients/redis"
	"github.com/fableforge/fableforge-backend/internal/logger"
)

type Clients struct {
	Bucket    gcp.BucketService
	Evaluator gcp.PhotoEvaluator
	Trainer   modeltrain.Client
	Forge     bookforge.Client
	SSEBus    redisclient.SSEBus
	JobBus    redisclient.JobBus
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring external clients...")

	bucket, err := gcp.NewBucketService(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init bucket service: %w", err)
	}
	evaluator, err := gcp.NewPhotoEvaluator(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init photo evaluator: %w", err)
	}
	trainer, err := modeltrain.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init trainer client: %w", err)
	}
	forge, err := bookforge.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init bookforge client: %w", err)
	}
	sseBus, err := redisclient.NewSSEBus(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
	}
	jobBus, err := redisclient.NewJobBus(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis job bus: %w", err)
	}

	return Clients{
		Bucket:    bucket,
		Evaluator: evaluator,
		Trainer:   trainer,
		Forge:     forge,
		SSEBus:    sseBus,
		JobBus:    jobBus,
	}, nil
}
