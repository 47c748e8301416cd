package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/telemetry"
)

// Config controls the Redis connection.
type Config struct {
	Addr            string
	Password        string
	DB              int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	Breaker         BreakerConfig
}

// Client wraps go-redis with the circuit breaker and degraded-mode policy:
// cache reads fail open (miss), cache writes are fire-and-log, and the
// rate-limit check fails closed.
type Client struct {
	rdb     *redis.Client
	breaker *Breaker
	alerts  pipeline.AlertSink
	logger  *zap.Logger
}

// New connects to Redis. Connection-layer retries are bounded and capped;
// beyond them the breaker keeps the pipeline alive in degraded mode.
func New(cfg Config, alerts pipeline.AlertSink, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})
	return &Client{
		rdb:     rdb,
		breaker: NewBreaker(cfg.Breaker),
		alerts:  alerts,
		logger:  logger,
	}
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(rdb *redis.Client, alerts pipeline.AlertSink, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rdb: rdb, breaker: NewBreaker(BreakerConfig{}), alerts: alerts, logger: logger}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying client to the queue adapter, which shares the
// same breaker through the call helpers.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Breaker exposes breaker state for readiness checks.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

func (c *Client) call(op string, fn func() error) error {
	if !c.breaker.Allow() {
		telemetry.CountCacheOp(op, "rejected")
		return pipeline.ErrBrokerUnavailable
	}
	err := fn()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.breaker.Failure()
		telemetry.CountCacheOp(op, "error")
		c.alert(fmt.Sprintf("%s failed: %v", op, err))
		return err
	}
	c.breaker.Success()
	telemetry.CountCacheOp(op, "ok")
	return err
}

func (c *Client) alert(msg string) {
	if c.alerts != nil {
		c.alerts.Alert("broker", msg)
	}
}

// Get reads a cached value. Broker failures surface as a miss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := c.call("get", func() error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		val = b
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		// Fail open: degraded broker reads as a cache miss.
		return nil, false, nil
	}
	return val, true, nil
}

// SetEx writes a value with a TTL. Failures are logged, never propagated.
func (c *Client) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.call("setex", func() error {
		return c.rdb.SetEx(ctx, key, value, ttl).Err()
	})
	if err != nil {
		c.logger.Warn("cache set dropped", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Delete removes keys. Failures are logged, never propagated: invalidation
// must not block the write path.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := c.call("del", func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		c.logger.Warn("cache delete dropped", zap.Strings("keys", keys), zap.Error(err))
	}
	return nil
}

// DeletePattern removes all keys matching pattern via SCAN, avoiding the
// blocking KEYS command.
func (c *Client) DeletePattern(ctx context.Context, pattern string) error {
	err := c.call("del_pattern", func() error {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		batch := make([]string, 0, 100)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 100 {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return c.rdb.Del(ctx, batch...).Err()
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("pattern invalidation dropped", zap.String("pattern", pattern), zap.Error(err))
	}
	return nil
}

// Allow performs a fixed-window rate-limit check. Fail-closed: any broker
// trouble denies the request, since the check gates abuse-sensitive
// operations like data exports.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	var (
		count int64
		ttl   time.Duration
	)
	err := c.call("ratelimit", func() error {
		n, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		count = n
		if n == 1 {
			if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
				return err
			}
			ttl = window
			return nil
		}
		t, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		ttl = t
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if count > int64(limit) {
		return false, ttl, nil
	}
	return true, 0, nil
}
