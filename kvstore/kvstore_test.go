package kvstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV_Lock(t *testing.T) {
	clock := common.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := NewMemoryKV(clock)
	ctx := context.Background()

	token, err := kv.AcquireLock(ctx, "handover:a", time.Minute)
	require.NoError(t, err)

	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	_, err = kv.AcquireLock(ctx, "handover:b", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, kv.ReleaseLock(ctx, "handover:a", "someone-else"))
	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	require.NoError(t, kv.ReleaseLock(ctx, "handover:a", token))
	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.NoError(t, err, "expired lock must be reacquirable")

	_, err = kv.AcquireLock(ctx, "x", 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestMemoryKV_Counter(t *testing.T) {
	clock := common.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := NewMemoryKV(clock)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := kv.Incr(ctx, "grant:1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	clock.Advance(30 * time.Minute)
	got, err := kv.Incr(ctx, "grant:1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got, "later increments do not extend the window")

	clock.Advance(31 * time.Minute)
	got, err = kv.Incr(ctx, "grant:1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	require.NoError(t, kv.Reset(ctx, "grant:1"))
	got, err = kv.Incr(ctx, "grant:1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestWithLock(t *testing.T) {
	kv := NewMemoryKV(nil)
	ctx := context.Background()

	ran := false
	err := WithLock(ctx, kv, "monitor:a", time.Minute, nil, func(ctx context.Context) error {
		ran = true
		err := WithLock(ctx, kv, "monitor:a", time.Minute, nil, func(context.Context) error {
			t.Fatal("nested acquisition must not run")
			return nil
		})
		assert.ErrorIs(t, err, interfaces.ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	err = WithLock(ctx, kv, "monitor:a", time.Minute, nil, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = kv.AcquireLock(ctx, "monitor:a", time.Minute)
	assert.NoError(t, err, "lock is released after fn fails")
}

func redisOptions(t *testing.T) *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return &redis.Options{Addr: addr}
}

func TestRedisKV(t *testing.T) {
	kv, err := NewRedisKV(redisOptions(t), "custody-test:"+uuid.NewString()+":")
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	token, err := kv.AcquireLock(ctx, "handover:a", time.Minute)
	require.NoError(t, err)
	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	require.NoError(t, kv.ReleaseLock(ctx, "handover:a", "wrong"))
	_, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	require.NoError(t, kv.ReleaseLock(ctx, "handover:a", token))
	token, err = kv.AcquireLock(ctx, "handover:a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, kv.ReleaseLock(ctx, "handover:a", token))

	for want := int64(1); want <= 2; want++ {
		got, err := kv.Incr(ctx, "grant:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, kv.Reset(ctx, "grant:1"))
	got, err := kv.Incr(ctx, "grant:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	require.NoError(t, kv.Reset(ctx, "grant:1"))
}

func TestRedisOutbox(t *testing.T) {
	kv, err := NewRedisKV(redisOptions(t), "")
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	stream := "custody-test-outbox:" + uuid.NewString()
	defer kv.Client().Del(ctx, stream)

	outbox := NewRedisOutbox(kv.Client(), stream, 100)
	id, err := outbox.Send(ctx, "heir@example.com", "subject", "body")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := kv.Client().XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "heir@example.com", entries[0].Values["recipient"])

	_, err = outbox.Send(ctx, "", "subject", "body")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}
