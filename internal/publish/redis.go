package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
}

// RedisPublisher mirrors the latest value of every PV into a hash
// <prefix><pv> and announces each update on a pub/sub channel.
type RedisPublisher struct {
	client    *redis.Client
	keyPrefix string
	channel   string
}

func NewRedisPublisher(opts RedisOptions) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisPublisher(client, opts), nil
}

func newRedisPublisher(client *redis.Client, opts RedisOptions) *RedisPublisher {
	return &RedisPublisher{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		channel:   opts.Channel,
	}
}

func (r *RedisPublisher) Name() string { return "redis" }

func (r *RedisPublisher) Key(pv string) string {
	return r.keyPrefix + pv
}

func (r *RedisPublisher) Publish(ctx context.Context, ev record.Event) error {
	p := NewPayload(ev)
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.Key(ev.Name),
		"value", p.Value,
		"kind", p.Kind,
		"label", p.Label,
		"severity", p.Severity,
		"timestamp_ms", p.Timestamp,
	)
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Name, err)
	}
	return nil
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
