package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "k", []byte("v1")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Put(ctx, "k", []byte("v2")))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestRedisStore(t *testing.T) {
	client, mr := setupTestRedis(t)
	testStoreContract(t, NewRedisStore(client, ""))

	s := NewRedisStore(client, "app:")
	require.NoError(t, s.Put(context.Background(), "trinck-user-tokens", []byte("[]")))
	val, err := mr.Get("app:trinck-user-tokens")
	require.NoError(t, err)
	assert.Equal(t, "[]", val)
}

func TestListHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	items, err := loadList[string](ctx, s, "list")
	require.NoError(t, err)
	assert.Nil(t, items)

	require.NoError(t, saveList[string](ctx, s, "list", nil))
	raw, err := s.Get(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	require.NoError(t, s.Put(ctx, "list", []byte("{not json")))
	_, err = loadList[string](ctx, s, "list")
	assert.Error(t, err)
}

func TestTokenManager_OverRedis(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	clock := newTestClock()
	tm, err := NewTokenManager(TokenConfig{Store: NewRedisStore(client, ""), Now: clock.Now})
	require.NoError(t, err)

	tok := tm.Issue(ctx, sampleProfile(t, "u1", "ayse@example.com", RoleCustomer), "dev-1")
	assert.True(t, mr.Exists("ledger:trinck-user-tokens"))
	assert.True(t, mr.Exists("ledger:trinck-current-token"))

	got := tm.Validate(ctx, tok.ID)
	require.NotNil(t, got)
	assert.Equal(t, tok.ExpiresAt, got.ExpiresAt)

	clock.Advance(DefaultSessionTTL + time.Second)
	assert.Nil(t, tm.Validate(ctx, tok.ID))
}

func TestMemoryRateLimiter(t *testing.T) {
	rl := NewMemoryRateLimiter()
	clock := newTestClock()
	rl.now = clock.Now
	ctx := context.Background()

	require.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
	require.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
	assert.ErrorIs(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute), ErrRateLimitExceeded)
	require.NoError(t, rl.CheckAndIncrement(ctx, "b", 2, time.Minute))

	clock.Advance(time.Minute + time.Second)
	assert.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
}

func TestMemoryRateLimiter_SweepsClosedWindows(t *testing.T) {
	rl := NewMemoryRateLimiter()
	clock := newTestClock()
	rl.now = clock.Now
	ctx := context.Background()

	for i := 0; i <= sweepThreshold; i++ {
		require.NoError(t, rl.CheckAndIncrement(ctx, fmt.Sprintf("ip-%d", i), 1, time.Minute))
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, rl.CheckAndIncrement(ctx, "fresh", 1, time.Minute))
	assert.Len(t, rl.subjects, 1)
}

func TestRedisRateLimiter(t *testing.T) {
	client, mr := setupTestRedis(t)
	rl := NewRedisRateLimiter(client, "")
	ctx := context.Background()

	require.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
	require.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
	assert.ErrorIs(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute), ErrRateLimitExceeded)
	assert.True(t, mr.Exists("reset-rate:a"))

	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, rl.CheckAndIncrement(ctx, "a", 2, time.Minute))
}
