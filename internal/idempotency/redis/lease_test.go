package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestLeaseAcquireRelease(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	lease := NewLease(client, "", time.Minute)
	assert.Equal(t, DefaultSweepLeaseKey, lease.Key)

	ok, err := lease.Acquire(ctx, "replica-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Acquire(ctx, "replica-b")
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by replica-a")

	// Someone else's release is ignored.
	require.NoError(t, lease.Release(ctx, "replica-b"))
	ok, err = lease.Acquire(ctx, "replica-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx, "replica-a"))
	ok, err = lease.Acquire(ctx, "replica-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	lease := NewLease(client, "test:lease", 30*time.Second)

	ok, err := lease.Acquire(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = lease.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lease.Release(ctx, "a"))
	assert.Equal(t, "b", func() string { v, _ := mr.Get("test:lease"); return v }())
}

func TestLeaseSingleHolderUnderContention(t *testing.T) {
	client, _ := setupTestRedis(t)
	lease := NewLease(client, "test:contended", time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	holders := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := lease.Acquire(context.Background(), fmt.Sprintf("replica-%d", i))
			if err == nil && ok {
				mu.Lock()
				holders++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, holders)
}
