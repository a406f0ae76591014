package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/patchbay/pkg/adapters/redis"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "studio", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:studio"))
	held, err := mr.Get("test:lock:studio")
	require.NoError(t, err)
	assert.Equal(t, lease.(*redis.Lease).Token(), held, "the value identifies the holder")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("test:lock:studio"))
}

func TestRedisLocker_Contention(t *testing.T) {
	_, client := newClient(t)
	first := redis.NewLocker(client, "test:")
	second := redis.NewLocker(client, "test:")
	ctx := context.Background()

	held, err := first.Acquire(ctx, "studio", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = second.Acquire(short, "studio", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Release(ctx))
	next, err := second.Acquire(ctx, "studio", 5*time.Second)
	require.NoError(t, err)
	assert.NoError(t, next.Release(ctx))
}

func TestRedisLease_Extend(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "studio", time.Second)
	require.NoError(t, err)

	require.NoError(t, lease.Extend(ctx, 10*time.Second))
	mr.FastForward(2 * time.Second)
	assert.True(t, mr.Exists("test:lock:studio"), "extended lease survives the original ttl")

	mr.FastForward(20 * time.Second)
	assert.ErrorIs(t, lease.Extend(ctx, time.Second), domain.ErrLeaseLost)
}

func TestRedisLease_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "studio", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := locker.Acquire(ctx, "studio", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	assert.True(t, mr.Exists("test:lock:studio"), "a stale holder cannot release the new lock")
	assert.NoError(t, other.Release(ctx))
}
