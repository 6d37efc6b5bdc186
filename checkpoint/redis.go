package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// ConnectAttempts bounds the startup ping loop.
	ConnectAttempts uint
}

// Connect opens a Redis client and waits until it answers PING, backing off
// between attempts.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*redis.Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	logger.Info("Connecting to Redis", "addr", opts.Addr, "db", opts.DB)

	err := retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
			defer cancel()
			return client.Ping(pingCtx).Err()
		},
		retry.Attempts(opts.ConnectAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Redis connection failed, retrying", "addr", opts.Addr, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close Redis client", "error", closeErr)
		}
		return nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", "addr", opts.Addr)
	return client, nil
}

// Redis stores checkpoints as JSON strings in Redis.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger,
	}
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get checkpoint %s: %w", key, err)
	}

	// A stored JSON null means "no value".
	if string(data) == "null" {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return true, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}

	r.logger.Debug("Checkpoint saved", "key", key, "ttl", ttl.String())
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
