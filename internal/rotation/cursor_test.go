package rotation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCursor(t *testing.T) {
	c := NewMemoryCursor()
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		got, err := c.Next(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Campaigns advance independently
	got, err := c.Next(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCursor(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	c := NewRedisCursor(client)
	require.NoError(t, c.Ping(ctx))

	for want := uint64(0); want < 3; want++ {
		got, err := c.Next(ctx, "camp-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	val, err := mr.Get("brazen:rotation:camp-1")
	require.NoError(t, err)
	assert.Equal(t, "3", val)
}

func TestRedisCursorSharedAcrossInstances(t *testing.T) {
	mr, _ := setupRedis(t)
	ctx := context.Background()

	first, err := NewRedisCursorFromURL("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRedisCursorFromURL("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer second.Close()

	a, err := first.Next(ctx, "camp")
	require.NoError(t, err)
	b, err := second.Next(ctx, "camp")
	require.NoError(t, err)
	c, err := first.Next(ctx, "camp")
	require.NoError(t, err)

	assert.Equal(t, []uint64{0, 1, 2}, []uint64{a, b, c})
}

func TestRedisCursorRotatesSelector(t *testing.T) {
	_, client := setupRedis(t)
	store := newFakeStore(assignment("a", 100), assignment("b", 100))

	// Two selectors standing in for two executors
	one := New(store, newFakeQuota(), NewRedisCursor(client), testLogger())
	two := New(store, newFakeQuota(), NewRedisCursor(client), testLogger())

	ctx := context.Background()
	s1, err := one.NextAccount(ctx, campaign, testNow)
	require.NoError(t, err)
	s2, err := two.NextAccount(ctx, campaign, testNow)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Account.ID, s2.Account.ID)
}

func TestRedisCursorError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedisCursor(client).Next(context.Background(), "camp")
	assert.Error(t, err)
}

func TestNewRedisCursorFromURLInvalid(t *testing.T) {
	_, err := NewRedisCursorFromURL("http://not-redis")
	assert.Error(t, err)
}
