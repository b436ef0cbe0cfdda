// Package cachestore provides the durable key-value stores that back the
// validation cache: entries carry a per-entry TTL and can be removed one at a
// time or by key prefix.
package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a key-value store with per-entry TTL.
//
// Get returns nil with a nil error when the key is absent or its TTL has
// elapsed; an expired entry is purged on read. Errors are reserved for
// failures of the storage system itself.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// DefaultMaxEntries bounds the memory driver.
const DefaultMaxEntries = 4096

// Config selects and configures a driver.
type Config struct {
	Driver        string
	MaxEntries    int
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Option customizes a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New opens the store named by cfg.Driver.
func New(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		size := cfg.MaxEntries
		if size <= 0 {
			size = DefaultMaxEntries
		}
		return NewMemoryStore(size, opts...)

	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite cache driver requires a path")
		}
		return NewSQLiteStore(ctx, cfg.SQLitePath, opts...)

	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache driver requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, opts...)

	default:
		return nil, fmt.Errorf("unsupported cache driver %q (supported: memory, sqlite, redis)", cfg.Driver)
	}
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
