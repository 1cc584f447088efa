package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"polypulse/internal/config"
)

// RedisMirror publishes journal records to a Redis channel.
type RedisMirror struct {
	rdb     *redis.Client
	channel string
}

// NewRedisMirror connects to cfg.URL and checks the connection.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig) (*RedisMirror, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisMirror{rdb: rdb, channel: cfg.Channel}, nil
}

func (m *RedisMirror) Publish(ctx context.Context, payload []byte) error {
	return m.rdb.Publish(ctx, m.channel, payload).Err()
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
