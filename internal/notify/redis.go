package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "docsflow:events"

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisNotifier publishes events as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	receivers, err := n.client.Publish(ctx, n.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	n.logger.Debug("published event",
		zap.String("kind", string(event.Kind)),
		zap.String("path", event.Path),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// PushStrategy streams events from a Redis subscription.
type PushStrategy struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewPushStrategy(client *redis.Client, channel string, logger *zap.Logger) *PushStrategy {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PushStrategy{client: client, channel: channel, logger: logger}
}

func (p *PushStrategy) Name() string { return "redis-subscribe" }

func (p *PushStrategy) Stream(ctx context.Context, emit func(Event)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("subscription closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			emit(event)
		}
	}
}
