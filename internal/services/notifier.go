package services

import (
	"context"

	redisclient "github.com/fableforge/fableforge-backend/internal/clients/redis"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/sse"
	"github.com/fableforge/fableforge-backend/internal/types"
)

// RunNotifier pushes the full run document to live observers on every
// mutation. Delivery is at-least-once per change; there is no replay.
type RunNotifier interface {
	RunCreated(run *types.AutomationRun)
	RunUpdated(run *types.AutomationRun)
}

type runNotifier struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus redisclient.SSEBus
}

func NewRunNotifier(log *logger.Logger, hub *sse.SSEHub, bus redisclient.SSEBus) RunNotifier {
	return &runNotifier{
		log: log.With("service", "RunNotifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *runNotifier) RunCreated(run *types.AutomationRun) {
	n.emit(sse.SSEEventRunCreated, run)
}

func (n *runNotifier) RunUpdated(run *types.AutomationRun) {
	n.emit(sse.SSEEventRunUpdated, run)
}

func (n *runNotifier) emit(event sse.SSEEvent, run *types.AutomationRun) {
	if n == nil || run == nil {
		return
	}
	channels := []string{"run:" + run.ID.String(), "book:" + run.BookID.String()}
	for _, ch := range channels {
		msg := sse.SSEMessage{
			Channel: ch,
			Event:   event,
			Data:    map[string]any{"run": run},
		}
		// With a redis relay the local hub hears the message back through the
		// forwarder; without one, broadcast directly.
		if n.bus != nil {
			if err := n.bus.Publish(context.Background(), msg); err != nil {
				n.log.Warn("Failed to relay run update over redis, broadcasting locally", "runID", run.ID, "error", err)
				if n.hub != nil {
					n.hub.Broadcast(msg)
				}
			}
			continue
		}
		if n.hub != nil {
			n.hub.Broadcast(msg)
		}
	}
}
