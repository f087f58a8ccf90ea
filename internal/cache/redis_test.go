package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r, err := NewRedis(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedis_KeyValue(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:" + uuid.New().String()

	v, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, r.Set(ctx, key, "hello", time.Minute))
	v, err = r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestRedis_Counter(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:ctr:" + uuid.New().String()

	n, err := r.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, r.Expire(ctx, key, time.Minute))

	n, err = r.Incr(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedis_LockIsExclusive(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	name := "test:lock:" + uuid.New().String()

	unlock, err := r.Lock(ctx, name, 10*time.Second)
	require.NoError(t, err)

	_, err = r.Lock(ctx, name, 10*time.Second)
	assert.Error(t, err)

	unlock()
	unlock2, err := r.Lock(ctx, name, 10*time.Second)
	require.NoError(t, err)
	unlock2()
}
