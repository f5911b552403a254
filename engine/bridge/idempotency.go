package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard deduplicates accept lines. Acquire returns false when the key was
// already claimed by an earlier acceptance. Release frees a key again so a
// failed acceptance does not block its own retry.
type Guard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// redisGuard implements Guard with SET NX so exactly one acceptance wins a
// key even across API replicas.
type redisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a Guard backed by redis. ttl bounds how long a
// claimed key blocks duplicates; 0 means no expiry.
func NewRedisGuard(client *redis.Client, ttl time.Duration) Guard {
	return &redisGuard{client: client, ttl: ttl}
}

func (g *redisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bridge: idempotency %s: %w", key, err)
	}
	return ok, nil
}

func (g *redisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bridge: idempotency %s: %w", key, err)
	}
	return nil
}

// AcceptKey is the idempotency key for one accepted recommendation line.
func AcceptKey(ticketID int64, partNumber string) string {
	return fmt.Sprintf("accept:%d:%s", ticketID, partNumber)
}
