// Package lock provides the run-level advisory lock that keeps migrate and
// reset from overlapping.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
)

// MigrationLock is the name of the lock taken by migrate and reset
const MigrationLock = "migration"

var (
	// ErrLockHeld is returned when another run holds the lock
	ErrLockHeld = errors.New("lock held by another run")
	// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
	ErrLockNotHeld = errors.New("lock not held")
)

// Locker acquires named advisory locks
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock
type Lock interface {
	Holder() string
	Release(ctx context.Context) error
}

// =============================================================================
// Store-backed lock
// =============================================================================

// StoreLocker keeps locks in the target store's lock table
type StoreLocker struct {
	store  storage.LockStore
	logger zerolog.Logger
}

// NewStoreLocker creates a locker backed by the target store
func NewStoreLocker(store storage.LockStore, logger zerolog.Logger) *StoreLocker {
	return &StoreLocker{store: store, logger: logger.With().Str("component", "lock").Logger()}
}

// Acquire takes the lock or fails with ErrLockHeld
func (l *StoreLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	holder := uuid.NewString()
	ok, err := l.store.TryLock(ctx, name, holder, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	l.logger.Debug().Str("lock", name).Str("holder", holder).Msg("Acquired lock")
	return &storeLock{locker: l, name: name, holder: holder}, nil
}

type storeLock struct {
	locker *StoreLocker
	name   string
	holder string
}

func (s *storeLock) Holder() string { return s.holder }

func (s *storeLock) Release(ctx context.Context) error {
	if err := s.locker.store.Unlock(ctx, s.name, s.holder); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", s.name, err)
	}
	s.locker.logger.Debug().Str("lock", s.name).Msg("Released lock")
	return nil
}

// =============================================================================
// Redis-backed lock
// =============================================================================

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker keeps locks in Redis so runs on different hosts exclude each other
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	logger    zerolog.Logger
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client, keyPrefix string, logger zerolog.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "storysync:lock:"
	}
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With().Str("component", "lock").Logger(),
	}
}

// Acquire takes the lock with SET NX or fails with ErrLockHeld
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	key := l.keyPrefix + name
	holder := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	l.logger.Debug().Str("lock", name).Str("holder", holder).Msg("Acquired lock")
	return &redisLock{locker: l, key: key, holder: holder}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	holder string
}

func (r *redisLock) Holder() string { return r.holder }

// Release deletes the key only if this holder still owns it
func (r *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	r.locker.logger.Debug().Str("lock", r.key).Msg("Released lock")
	return nil
}
