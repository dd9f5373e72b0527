package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStoreLocker(t *testing.T) (*lock.StoreLocker, func()) {
	t.Helper()

	store, err := storage.NewStore("memory", map[string]interface{}{})
	require.NoError(t, err)
	ls, ok := store.(storage.LockStore)
	require.True(t, ok)

	return lock.NewStoreLocker(ls, zerolog.Nop()), func() { store.Close() }
}

func TestStoreLocker_ExcludesSecondHolder(t *testing.T) {
	locker, cleanup := setupStoreLocker(t)
	defer cleanup()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, lock.MigrationLock, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, held.Holder())

	_, err = locker.Acquire(ctx, lock.MigrationLock, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	// Other names are independent
	other, err := locker.Acquire(ctx, "verify", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))

	again, err := locker.Acquire(ctx, lock.MigrationLock, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, held.Holder(), again.Holder())
	require.NoError(t, again.Release(ctx))
}

func TestStoreLocker_ExpiredLockCanBeTaken(t *testing.T) {
	locker, cleanup := setupStoreLocker(t)
	defer cleanup()
	ctx := context.Background()

	_, err := locker.Acquire(ctx, lock.MigrationLock, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	held, err := locker.Acquire(ctx, lock.MigrationLock, time.Minute)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	locker := lock.NewRedisLocker(client, "storysync:test:lock:", zerolog.Nop())

	held, err := locker.Acquire(ctx, lock.MigrationLock, 5*time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, lock.MigrationLock, 5*time.Second)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), lock.ErrLockNotHeld)
}
