package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfroyo/bsig/pkg/engine"
)

// Backend kinds.
const (
	KindFile  = "file"
	KindRedis = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Kind     string
	Dir      string
	RedisURL string
	Agent    string
	TTL      time.Duration
}

// Backend pairs the operator lock with the satisfier counter of one agent.
type Backend struct {
	Locks    engine.DistributedLock
	Throttle engine.SatisfierThrottle

	rdb *redis.Client
}

// Open builds the backend named by opts.Kind. An empty kind means file.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	switch opts.Kind {
	case "", KindFile:
		locks, err := NewFileLock(opts.Dir)
		if err != nil {
			return nil, err
		}
		counter, err := NewFileCounter(opts.Dir)
		if err != nil {
			return nil, err
		}
		return &Backend{Locks: locks, Throttle: counter}, nil

	case KindRedis:
		rdb, err := NewRedisClient(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return &Backend{
			Locks:    NewRedisLock(rdb, opts.Agent, opts.TTL),
			Throttle: NewRedisCounter(rdb, opts.Agent),
			rdb:      rdb,
		}, nil

	default:
		return nil, fmt.Errorf("unknown lock backend %q", opts.Kind)
	}
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if rl, ok := b.Locks.(*RedisLock); ok {
		rl.Close()
	}
	if b.rdb != nil {
		return b.rdb.Close()
	}
	return nil
}
