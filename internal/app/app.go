package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/fableforge/fableforge-backend/internal/db"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
	"github.com/fableforge/fableforge-backend/internal/sse"
)

// App owns every long-lived component of the orchestrator and wires them
// together in dependency order.
type App struct {
	Log      *logger.Logger
	Config   Config
	Postgres *db.PostgresService
	SSEHub   *sse.SSEHub
	Metrics  *observability.Metrics
	Clients  Clients
	Repos    Repos
	Services Services
	Handlers Handlers
	Router   *gin.Engine
}

func New(log *logger.Logger) (*App, error) {
	cfg := LoadConfig(log)
	metrics := observability.Init(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	sseHub := sse.NewSSEHub(log)

	clients, err := wireClients(log)
	if err != nil {
		return nil, err
	}

	reposet := wireRepos(pg.DB(), log)
	services := wireServices(pg.DB(), log, cfg, reposet, clients, sseHub, metrics)
	handlers := wireHandlers(log, cfg, services, clients, sseHub, metrics)
	router := wireRouter(cfg, handlers)

	return &App{
		Log:      log,
		Config:   cfg,
		Postgres: pg,
		SSEHub:   sseHub,
		Metrics:  metrics,
		Clients:  clients,
		Repos:    reposet,
		Services: services,
		Handlers: handlers,
		Router:   router,
	}, nil
}

// Start launches the background consumers: the reconciler draining the job
// bus, the forwarder relaying SSE messages from other instances into the
// local hub, and the metrics scrape listener when metrics are enabled. All
// stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	if err := a.Services.Reconciler.Start(ctx, a.Clients.JobBus); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	if err := a.Clients.SSEBus.StartForwarder(ctx, a.SSEHub.Broadcast); err != nil {
		return fmt.Errorf("start SSE forwarder: %w", err)
	}
	a.Metrics.StartServer(ctx, a.Log, a.Config.MetricsAddr)
	return nil
}

func (a *App) Run(addr string) error {
	a.Log.Info("Starting HTTP server", "addr", addr)
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if err := a.Clients.JobBus.Close(); err != nil {
		a.Log.Warn("Failed to close job bus", "error", err)
	}
	if err := a.Clients.SSEBus.Close(); err != nil {
		a.Log.Warn("Failed to close SSE bus", "error", err)
	}
	if err := a.Clients.Evaluator.Close(); err != nil {
		a.Log.Warn("Failed to close photo evaluator", "error", err)
	}
}
