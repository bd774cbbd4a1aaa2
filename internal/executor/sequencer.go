// Package executor serialises a domain's state mutations. A node applies
// every inbound message and local command through one Sequencer, so handlers
// never race on the same SQL state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrLockAcquire is returned when the distributed lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker guards a key across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Sequencer runs functions one at a time. With a Locker it also holds a
// cross-process lock on Key for the duration of each call.
type Sequencer struct {
	mu     sync.Mutex
	locker Locker
	key    string
	ttl    time.Duration
}

type Option func(*Sequencer)

// WithLocker adds a distributed lock on key, held for at most ttl per call.
func WithLocker(l Locker, key string, ttl time.Duration) Option {
	return func(s *Sequencer) {
		s.locker = l
		s.key = key
		s.ttl = ttl
	}
}

func New(opts ...Option) *Sequencer {
	s := &Sequencer{ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do runs fn exclusively.
func (s *Sequencer) Do(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locker == nil {
		return fn(ctx)
	}
	unlock, err := s.locker.Lock(ctx, s.key, s.ttl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockAcquire, err)
	}
	defer func() {
		// Unlock on a fresh context so a cancelled caller still releases.
		_ = unlock(context.Background())
	}()
	return fn(ctx)
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
