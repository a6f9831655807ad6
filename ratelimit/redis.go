package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisBackend keeps one sorted set per key, one member per attempt, scored
// by the attempt time in unix milliseconds.
type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

// Check runs prune, count, oldest, insert and expire in a single MULTI/EXEC
// so concurrent checks on the same key observe each other.
func (b *RedisBackend) Check(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Result, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = p.ZCard(ctx, key)
		oldest = p.ZRangeWithScores(ctx, key, 0, 0)
		p.ZAdd(ctx, key, redis.Z{
			Score:  float64(nowMs),
			Member: strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString(),
		})
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check %s: %w", key, err)
	}

	var first *time.Time
	if zs := oldest.Val(); len(zs) > 0 {
		t := time.UnixMilli(int64(zs[0].Score))
		first = &t
	}
	return decide(int(card.Val()), first, now, window, max), nil
}

func (b *RedisBackend) Reset(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset %s: %w", key, err)
	}
	return nil
}
