package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/bsig/pkg/engine"
)

type lockFactory func(t *testing.T) (engine.DistributedLock, engine.DistributedLock)

// backends returns two handles on the same lock namespace, as two
// processes on one host would see it.
func backends() map[string]lockFactory {
	return map[string]lockFactory{
		"file": func(t *testing.T) (engine.DistributedLock, engine.DistributedLock) {
			dir := t.TempDir()
			a, err := NewFileLock(dir)
			require.NoError(t, err)
			b, err := NewFileLock(dir)
			require.NoError(t, err)
			return a, b
		},
		"redis": func(t *testing.T) (engine.DistributedLock, engine.DistributedLock) {
			rdb := newRedis(t)
			return NewRedisLock(rdb, "web", 0), NewRedisLock(rdb, "web", 0)
		},
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestLockExclusive(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a, b := factory(t)

			ok, err := a.TryAcquire(ctx, "$.web.apache.install")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.TryAcquire(ctx, "$.web.apache.install")
			require.NoError(t, err)
			assert.False(t, ok, "second holder acquired a held lock")

			ok, err = b.TryAcquire(ctx, "$.web.apache.start")
			require.NoError(t, err)
			assert.True(t, ok, "distinct operators must not contend")

			require.NoError(t, a.Release(ctx, "$.web.apache.install"))
			ok, err = b.TryAcquire(ctx, "$.web.apache.install")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLockReleaseUnheld(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a, _ := factory(t)
			assert.NoError(t, a.Release(context.Background(), "$.web.never.taken"))
		})
	}
}

func TestLockReset(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a, b := factory(t)
			for _, key := range []string{"$.web.a.x", "$.web.b.y"} {
				ok, err := a.TryAcquire(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.NoError(t, b.Reset(ctx))

			ok, err := b.TryAcquire(ctx, "$.web.a.x")
			require.NoError(t, err)
			assert.True(t, ok, "reset left a stale lock behind")
		})
	}
}

func TestLockConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a, b := factory(t)
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				l := a
				if i%2 == 1 {
					l = b
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.TryAcquire(ctx, "$.web.db.migrate")
					if err == nil && ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestRedisLockReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	a := NewRedisLock(rdb, "web", 0)
	b := NewRedisLock(rdb, "web", 0)

	ok, err := a.TryAcquire(ctx, "op")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, "op"))

	ok, err = b.TryAcquire(ctx, "op")
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder freed the lock")
}

func TestRedisLockRenewedWhileHeld(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	const op = "$.web.vm.create_vm"
	key := "bsig:web:lock:" + op
	ttl := 300 * time.Millisecond
	a := NewRedisLock(rdb, "web", ttl)
	b := NewRedisLock(rdb, "web", ttl)
	defer a.Close()
	defer b.Close()

	ok, err := a.TryAcquire(ctx, op)
	require.NoError(t, err)
	require.True(t, ok)

	// Hold the lock for twice its ttl, renewing between steps
	for i := 0; i < 3; i++ {
		mr.FastForward(200 * time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL(key) > 200*time.Millisecond
		}, 2*time.Second, 5*time.Millisecond, "lock was not renewed")
	}

	ok, err = b.TryAcquire(ctx, op)
	require.NoError(t, err)
	assert.False(t, ok, "lock expired while its holder was still running")

	require.NoError(t, a.Release(ctx, op))
	ok, err = b.TryAcquire(ctx, op)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	a := NewRedisLock(rdb, "web", time.Minute)
	b := NewRedisLock(rdb, "web", time.Minute)
	defer b.Close()

	ok, err := a.TryAcquire(ctx, "op")
	require.NoError(t, err)
	require.True(t, ok)

	// A holder that stops renewing, as a crashed process would
	a.Close()
	mr.FastForward(2 * time.Minute)

	ok, err = b.TryAcquire(ctx, "op")
	require.NoError(t, err)
	assert.True(t, ok, "lock of a dead holder never expired")
}

func TestRedisLockNamespacedByAgent(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	web := NewRedisLock(rdb, "web", 0)
	db := NewRedisLock(rdb, "db", 0)

	ok, err := web.TryAcquire(ctx, "op")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Reset(ctx))
	ok, err = db.TryAcquire(ctx, "op")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = web.TryAcquire(ctx, "op")
	require.NoError(t, err)
	assert.False(t, ok, "another agent's reset cleared this agent's lock")
}

func TestFileLockLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := NewFileLock(dir)
	require.NoError(t, err)

	ok, err := l.TryAcquire(ctx, "$.web/x.install")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = os.Stat(filepath.Join(dir, "operator.$.web_x.install.lock"))
	assert.NoError(t, err)

	held, err := l.Held()
	require.NoError(t, err)
	assert.Equal(t, []string{"$.web_x.install"}, held)

	// Reset must not touch the satisfier counter living in the same directory
	c, err := NewFileCounter(dir)
	require.NoError(t, err)
	require.NoError(t, c.Register(ctx))
	require.NoError(t, l.Reset(ctx))
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func counters(t *testing.T) map[string]engine.SatisfierThrottle {
	c, err := NewFileCounter(t.TempDir())
	require.NoError(t, err)
	return map[string]engine.SatisfierThrottle{
		"file":  c,
		"redis": NewRedisCounter(newRedis(t), "web"),
	}
}

func TestCounter(t *testing.T) {
	ctx := context.Background()
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			n, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, c.Register(ctx))
			require.NoError(t, c.Register(ctx))
			n, err = c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			require.NoError(t, c.Unregister(ctx))
			require.NoError(t, c.Unregister(ctx))
			require.NoError(t, c.Unregister(ctx))
			n, err = c.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "counter went below zero")

			require.NoError(t, c.Register(ctx))
			require.NoError(t, c.Reset(ctx))
			n, err = c.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCounterConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, c.Register(ctx))
				}()
			}
			wg.Wait()
			n, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(20), n)
		})
	}
}

func TestFileCounterCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, counterFile), []byte("many"), 0o644))
	c, err := NewFileCounter(dir)
	require.NoError(t, err)

	_, err = c.Count(context.Background())
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileLock{}, b.Locks)
	assert.IsType(t, &FileCounter{}, b.Throttle)
	assert.NoError(t, b.Close())

	mr := miniredis.RunT(t)
	b, err = Open(ctx, Options{Kind: KindRedis, RedisURL: "redis://" + mr.Addr(), Agent: "web"})
	require.NoError(t, err)
	assert.IsType(t, &RedisLock{}, b.Locks)
	assert.NoError(t, b.Close())

	_, err = Open(ctx, Options{Kind: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Kind: KindRedis, RedisURL: "not a url"})
	assert.Error(t, err)
}
