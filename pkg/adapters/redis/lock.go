package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrLockAcquire is returned when redis fails while acquiring a lease.
var ErrLockAcquire = errors.New("failed to acquire graph lease")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Locker implements ports.LeaseLocker using Redis. Each lease value is a
// random token so that only the holder can release or extend it.
type Locker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		poll:   100 * time.Millisecond,
	}
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + "lock:" + key
}

var _ ports.LeaseLocker = (*Locker)(nil)

// Acquire takes the lease on key with SET NX PX, polling until it succeeds or
// ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (ports.Lease, error) {
	lease := &Lease{client: l.client, key: l.lockKey(key), token: uuid.NewString()}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", ErrLockAcquire, err)
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lease is a held lock.
type Lease struct {
	client *backend.Client
	key    string
	token  string
}

// Token returns the random value identifying the holder.
func (l *Lease) Token() string {
	return l.token
}

// Extend resets the expiry. It fails with domain.ErrLeaseLost when the lock is
// no longer ours.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis error extending lock: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Release deletes the lock if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Err()
}
