package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fableforge/fableforge-backend/internal/logger"
)

const (
	JobEventTrainingUpdated = "training.updated"
	JobEventAssemblyUpdated = "assembly.updated"
)

// JobEvent is one asynchronous status notification from an external provider,
// published by the webhook handlers and consumed by the reconciler. Providers
// redeliver on failure, so consumers must fold events idempotently.
type JobEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type JobBus interface {
	Publish(ctx context.Context, event JobEvent) error
	StartConsumer(ctx context.Context, onEvent func(event JobEvent)) error
	Close() error
}

type jobBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewJobBus(log *logger.Logger) (JobBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	rdb, err := clientFromEnv()
	if err != nil {
		return nil, err
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_JOB_CHANNEL"))
	if ch == "" {
		ch = "provider-jobs"
	}

	return &jobBus{
		log:     log.With("service", "RedisJobBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *jobBus) Publish(ctx context.Context, event JobEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis job bus not initialized")
	}
	if event.Kind == "" {
		return fmt.Errorf("job event kind required")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartConsumer delivers events to onEvent one at a time from a single
// goroutine, which keeps fold-and-decide sequences serialized.
func (b *jobBus) StartConsumer(ctx context.Context, onEvent func(event JobEvent)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis job bus not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var event JobEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					b.log.Warn("bad redis job payload", "error", err)
					continue
				}
				onEvent(event)
			}
		}
	}()

	return nil
}

func (b *jobBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
