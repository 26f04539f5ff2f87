package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisBreakerName = "redis"

// RedisWrapper exposes the stream commands the event mirror needs, each
// guarded by a breaker so an unreachable Redis never slows a run down.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper wraps client with the stream breaker settings.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(redisBreakerName, SettingsFromEnv("redis", StreamDefaults).ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(redisBreakerName, "event-mirror", cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		err := fn()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	GlobalMetricsCollector.RecordRequest(redisBreakerName, "event-mirror", rw.cb.State(), err == nil)
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// XAdd appends values to stream, trimming it to roughly maxLen entries, and
// refreshes the stream TTL when ttl > 0.
func (rw *RedisWrapper) XAdd(ctx context.Context, stream string, maxLen int64, ttl time.Duration, values map[string]interface{}) (string, error) {
	var id string
	err := rw.run(ctx, func() error {
		pipe := rw.client.TxPipeline()
		add := pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		})
		if ttl > 0 {
			pipe.Expire(ctx, stream, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		id = add.Val()
		return nil
	})
	return id, err
}

// XRange reads stream entries between start and stop ("-" and "+" for all).
func (rw *RedisWrapper) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := rw.run(ctx, func() error {
		var err error
		msgs, err = rw.client.XRange(ctx, stream, start, stop).Result()
		return err
	})
	return msgs, err
}

// XRevRangeN reads up to count entries, newest first.
func (rw *RedisWrapper) XRevRangeN(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := rw.run(ctx, func() error {
		var err error
		msgs, err = rw.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
		return err
	})
	return msgs, err
}

// Close closes the client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsCircuitBreakerOpen reports whether the redis breaker is open.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
