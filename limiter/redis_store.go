package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed counter.lua
var redisCounterScript string // embed the lua script content

var redisScript = redis.NewScript(redisCounterScript)

// redisBackend implements the Backend interface using Redis.
type redisBackend struct {
	client redis.Cmdable // Use Cmdable for compatibility with ClusterClient, Ring, etc.
}

// NewRedisBackend creates a counter backend on a pre-configured redis.Cmdable
// (e.g., redis.Client or redis.ClusterClient).
func NewRedisBackend(client redis.Cmdable) (Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis store requires a connection", ErrInvalidClient)
	}
	return &redisBackend{client: client}, nil
}

// NewRedisStore creates a new Redis rate limit store.
func NewRedisStore(client redis.Cmdable, opts Options) (Store, error) {
	backend, err := NewRedisBackend(client)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, opts), nil
}

func (b *redisBackend) Name() string { return StoreRedis }

// Incr runs the counter script for atomicity.
func (b *redisBackend) Incr(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	result, err := redisScript.Run(ctx, b.client, []string{key}, points, ttl.Milliseconds()).Result()
	if err != nil {
		return Record{}, err
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected type")
		return Record{}, fmt.Errorf("unexpected result from redis script for key %s: %T", key, result)
	}
	consumed, _ := values[0].(int64)
	pttl, _ := values[1].(int64)
	return Record{Consumed: int(consumed), TTL: pttlToDuration(pttl)}, nil
}

func (b *redisBackend) Read(ctx context.Context, key string) (Record, bool, error) {
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, err
	}

	consumed, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = -1
	}
	return Record{Consumed: consumed, TTL: ttl}, true, nil
}

func (b *redisBackend) Write(ctx context.Context, key string, points int, ttl time.Duration) (Record, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, key, points, ttl).Err(); err != nil {
		return Record{}, err
	}
	if ttl == 0 {
		return Record{Consumed: points, TTL: -1}, nil
	}
	return Record{Consumed: points, TTL: ttl}, nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear flushes the selected database. On a cluster every master is flushed.
func (b *redisBackend) Clear(ctx context.Context) error {
	if cluster, ok := b.client.(*redis.ClusterClient); ok {
		return cluster.ForEachMaster(ctx, func(ctx context.Context, master *redis.Client) error {
			return master.FlushDB(ctx).Err()
		})
	}
	return b.client.FlushDB(ctx).Err()
}

// pttlToDuration converts a PTTL reply in milliseconds. Negative replies mean
// no expiry (-1) or a missing key (-2).
func pttlToDuration(pttl int64) time.Duration {
	if pttl < 0 {
		return -1
	}
	return time.Duration(pttl) * time.Millisecond
}
