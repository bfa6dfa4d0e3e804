package source

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache backs the Client cache with redis. Misses and redis failures
// are treated the same: the caller falls through to the network.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache connects to addr (host:port). Returns nil when addr is
// empty so callers can pass the result straight into Config.Cache.
func NewRedisCache(addr, prefix string) *RedisCache {
	if addr == "" {
		return nil
	}
	return &RedisCache{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("redis cache get failed")
		}
		return nil, false
	}
	return data, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("redis cache set failed")
	}
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
