package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Registry shared between several filter instances. All ids live
// in a single Redis set, so every operation maps to one atomic command.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis creates a Redis-backed registry storing ids in the set named key.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	return &Redis{
		client: client,
		key:    key,
	}
}

// Add implements Registry.
func (r *Redis) Add(ctx context.Context, sessionID string) error {
	if err := r.client.SAdd(ctx, r.key, sessionID).Err(); err != nil {
		return fmt.Errorf("registry: add session: %w", err)
	}
	return nil
}

// Remove implements Registry.
func (r *Redis) Remove(ctx context.Context, sessionID string) error {
	if err := r.client.SRem(ctx, r.key, sessionID).Err(); err != nil {
		return fmt.Errorf("registry: remove session: %w", err)
	}
	return nil
}

// Has implements Registry.
func (r *Redis) Has(ctx context.Context, sessionID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("registry: check session: %w", err)
	}
	return ok, nil
}

// Clear implements Registry.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("registry: clear: %w", err)
	}
	return nil
}

// Count implements Registry.
func (r *Redis) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	return int(n), nil
}

// Connect opens a Redis client and verifies the connection with a PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registry: redis ping %s: %w", addr, err)
	}

	return client, nil
}
