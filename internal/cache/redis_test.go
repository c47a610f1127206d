package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedStats struct {
	URL    string `json:"url"`
	Clicks int    `json:"clicks"`
}

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "test-cache"), mr
}

func TestSetAndGetJSON(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	var miss cachedStats
	hit, err := c.GetJSON(ctx, "url", "stats:abc", &miss)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.SetJSON(ctx, "url", "stats:abc", cachedStats{URL: "https://a.io", Clicks: 3}, time.Minute))
	assert.True(t, mr.Exists("test-cache:url:stats:abc"))

	var got cachedStats
	hit, err = c.GetJSON(ctx, "url", "stats:abc", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, cachedStats{URL: "https://a.io", Clicks: 3}, got)
}

func TestEntriesExpireWithTTL(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "url", "k", cachedStats{}, 0))
	assert.Equal(t, DefaultTTL, mr.TTL("test-cache:url:k"))

	mr.FastForward(DefaultTTL + time.Second)
	var got cachedStats
	hit, err := c.GetJSON(ctx, "url", "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateDropsOnlyNamespace(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	// more than one SCAN batch
	for i := 0; i < scanBatch+25; i++ {
		require.NoError(t, c.SetJSON(ctx, "url", fmt.Sprintf("k%d", i), i, time.Minute))
	}
	require.NoError(t, c.SetJSON(ctx, "other", "keep", 1, time.Minute))

	require.NoError(t, c.Invalidate(ctx, "url"))

	assert.Len(t, mr.Keys(), 1)
	assert.True(t, mr.Exists("test-cache:other:keep"))
}

func TestInvalidateEmptyNamespace(t *testing.T) {
	c, _ := setupTestCache(t)
	assert.NoError(t, c.Invalidate(context.Background(), "url"))
}

func TestGetJSONReportsRedisErrors(t *testing.T) {
	c, mr := setupTestCache(t)
	mr.SetError("ERR injected failure")

	var got cachedStats
	_, err := c.GetJSON(context.Background(), "url", "k", &got)
	assert.Error(t, err)
}
