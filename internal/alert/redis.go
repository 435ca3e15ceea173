package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/config"
)

// Redis publishes alerts as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to the configured server.
func NewRedis(cfg config.RedisAlert) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		channel: cfg.Channel,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Notify publishes ev.
func (r *Redis) Notify(ctx context.Context, ev audit.Event) error {
	data, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
