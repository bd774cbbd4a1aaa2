package executor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/executor"
)

func TestSequencerSerialises(t *testing.T) {
	seq := executor.New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = seq.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	mr, client := newRedis(t)
	locker := executor.NewRedisLocker(client, "openwork:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "domain-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("openwork:lock:domain-2"))

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "domain-2", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("openwork:lock:domain-2"))

	unlock, err = locker.Lock(ctx, "domain-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestRedisLockerExpires(t *testing.T) {
	mr, client := newRedis(t)
	locker := executor.NewRedisLocker(client, "")
	ctx := context.Background()

	_, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlock, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestSequencerWithRedisLock(t *testing.T) {
	mr, client := newRedis(t)
	seq := executor.New(executor.WithLocker(executor.NewRedisLocker(client, "ow:"), "hub", time.Minute))
	ran := false
	err := seq.Do(context.Background(), func(context.Context) error {
		ran = true
		assert.True(t, mr.Exists("ow:lock:hub"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("ow:lock:hub"))
}
