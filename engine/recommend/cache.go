package recommend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache caches query-text embeddings in Redis. Repeated fault
// descriptions (common phrasing from dispatch) skip the provider round trip.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates an EmbeddingCache over a Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embed:" + hex.EncodeToString(sum[:])
}

func (c *redisCache) Get(ctx context.Context, text string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, cacheKey(text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores best-effort; cache failures never surface to the caller.
func (c *redisCache) Put(ctx context.Context, text string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(text), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("embed cache put failed", "err", err)
	}
}
