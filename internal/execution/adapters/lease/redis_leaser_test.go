package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaser(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	mine := NewRedisLeaser(client, "engine")
	theirs := NewRedisLeaser(client, "engine")
	require.NotEqual(t, mine.Owner(), theirs.Owner())

	held, err := theirs.Held(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, held)

	ok, err := mine.Acquire(ctx, "exec-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, mine.Owner(), mustGet(t, mr, "engine:lease:exec-1"))

	ok, err = theirs.Acquire(ctx, "exec-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	held, err = theirs.Held(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = theirs.Renew(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = mine.Renew(ctx, "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("engine:lease:exec-1"))

	require.NoError(t, theirs.Release(ctx, "exec-1"))
	assert.True(t, mr.Exists("engine:lease:exec-1"))
	require.NoError(t, mine.Release(ctx, "exec-1"))
	assert.False(t, mr.Exists("engine:lease:exec-1"))
}

func TestRedisLeaser_ExpiryFreesExecution(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	crashed := NewRedisLeaser(client, "engine")
	survivor := NewRedisLeaser(client, "engine")

	ok, err := crashed.Acquire(ctx, "exec-1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = survivor.Acquire(ctx, "exec-1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = crashed.Renew(ctx, "exec-1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
