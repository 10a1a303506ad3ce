// Package redis provides the redis-backed implementations of the keyed
// stores: the idempotency cache, the read-view cache and the per-user badge
// counters. The in-memory implementations remain the default; these backends
// are selected when a redis address is configured.
package redis

import (
	"context"

	"github.com/gabapcia/badgewatch/internal/pkg/resilience/retry"

	redis "github.com/redis/go-redis/v9"
)

type client struct {
	conn *redis.Client
}

func (c *client) Close() error {
	return c.conn.Close()
}

// NewClient connects to redis and verifies the connection. The initial ping
// is retried, since the service often races the redis container at startup.
func NewClient(ctx context.Context, addr, username, password string, db int) (*client, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})

	err := retry.New().Execute(ctx, func() error {
		return conn.Ping(ctx).Err()
	})
	if err != nil {
		return nil, err
	}

	return &client{
		conn: conn,
	}, nil
}
