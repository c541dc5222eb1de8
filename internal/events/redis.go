package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisPublisher publishes intents and assignment results as JSON on Redis
// pub/sub channels
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher connects to addr and verifies the connection
func NewRedisPublisher(ctx context.Context, addr, password string, logger zerolog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger = logger.With().Str("component", "redis-publisher").Logger()
	logger.Info().Str("addr", addr).Msg("redis publisher connected")
	return &RedisPublisher{client: client, logger: logger}, nil
}

func (p *RedisPublisher) PublishIntent(ctx context.Context, intent *types.NotificationIntent) error {
	return p.publish(ctx, IntentsChannel, intent)
}

func (p *RedisPublisher) PublishAssignment(ctx context.Context, result types.AssignmentResult) error {
	return p.publish(ctx, AssignmentsChannel, result)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Close closes the redis client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
