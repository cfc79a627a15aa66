package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends a lock only if it still carries the caller's token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// decrScript decrements a counter without letting it go below zero.
var decrScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// NewRedisClient parses url (redis://[:password@]host:port/db) and returns a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return redis.NewClient(opt), nil
}

// RedisLock implements engine.DistributedLock with SET NX keys. Every
// instance has its own token, so it can only release locks it took.
//
// With a ttl, a held key is renewed every ttl/3 until it is released, so it
// only expires once its holder has died.
type RedisLock struct {
	rdb    *redis.Client
	prefix string
	token  string
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]context.CancelFunc
}

// NewRedisLock returns a lock whose keys live under bsig:<agent>:lock:.
// A zero ttl means locks never expire on their own.
func NewRedisLock(rdb *redis.Client, agent string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		rdb:    rdb,
		prefix: "bsig:" + agent + ":lock:",
		token:  uuid.New().String(),
		ttl:    ttl,
		held:   make(map[string]context.CancelFunc),
	}
}

// TryAcquire sets the operator key if it is absent.
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock: %w", err)
	}
	if ok && l.ttl > 0 {
		l.keepAlive(key)
	}
	return ok, nil
}

// keepAlive renews key until stop is called for it or another token owns it.
func (l *RedisLock) keepAlive(key string) {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	if prev, ok := l.held[key]; ok {
		prev()
	}
	l.held[key] = cancel
	l.mu.Unlock()

	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := renewScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				// Retried on the next tick; the key outlives two missed renewals
				continue
			}
			if n == 0 {
				return
			}
		}
	}()
}

// stop ends the renewal of key.
func (l *RedisLock) stop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.held[key]; ok {
		cancel()
		delete(l.held, key)
	}
}

func (l *RedisLock) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cancel := range l.held {
		cancel()
		delete(l.held, key)
	}
}

// Release deletes the operator key if this instance holds it.
func (l *RedisLock) Release(ctx context.Context, key string) error {
	l.stop(key)
	if err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}

// Reset deletes every lock key of the agent.
func (l *RedisLock) Reset(ctx context.Context) error {
	l.stopAll()
	iter := l.rdb.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return l.rdb.Del(ctx, keys...).Err()
}

// Close stops renewing every held key. The keys expire after their ttl.
func (l *RedisLock) Close() {
	l.stopAll()
}

// RedisCounter implements engine.SatisfierThrottle with an integer key.
type RedisCounter struct {
	rdb *redis.Client
	key string
}

// NewRedisCounter returns the satisfier counter of agent.
func NewRedisCounter(rdb *redis.Client, agent string) *RedisCounter {
	return &RedisCounter{rdb: rdb, key: "bsig:" + agent + ":satisfiers"}
}

// Register increments the counter.
func (c *RedisCounter) Register(ctx context.Context) error {
	return c.rdb.Incr(ctx, c.key).Err()
}

// Unregister decrements the counter, never below zero.
func (c *RedisCounter) Unregister(ctx context.Context) error {
	return decrScript.Run(ctx, c.rdb, []string{c.key}).Err()
}

// Count returns the current value; a missing key counts as zero.
func (c *RedisCounter) Count(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Reset sets the counter to zero.
func (c *RedisCounter) Reset(ctx context.Context) error {
	return c.rdb.Set(ctx, c.key, 0, 0).Err()
}
