package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Enter(ctx, 1, Dialog{Kind: DialogCompletion, State: StateAwaitingChoice, ItemID: "A"}))
	d, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingChoice, d.State)
	assert.Equal(t, "A", d.ItemID)
	assert.False(t, d.UpdatedAt.IsZero())

	// a user holds one dialog at a time
	require.NoError(t, s.Enter(ctx, 1, Dialog{Kind: DialogCompletion, State: StateAwaitingPrice, ItemID: "B"}))
	d, _, _ = s.Get(ctx, 1)
	assert.Equal(t, "B", d.ItemID)

	_, ok, _ = s.Get(ctx, 2)
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx, 1))
	_, ok, _ = s.Get(ctx, 1)
	assert.False(t, ok)
}

func TestMemoryStoreKeepsTimestamp(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Enter(context.Background(), 3, Dialog{Kind: DialogCompletion, UpdatedAt: at}))
	d, _, _ := s.Get(context.Background(), 3)
	assert.Equal(t, at, d.UpdatedAt)
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, "session:123456789", redisKey(123456789))
}

func TestNewRedisStoreRequiresURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "", time.Hour)
	assert.Error(t, err)

	_, err = NewRedisStore(context.Background(), "not a url", time.Hour)
	assert.Error(t, err)
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", ttl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Enter(ctx, 7, Dialog{Kind: DialogCompletion, State: StateAwaitingPrice, ItemID: "01HAD"}))
	assert.True(t, mr.Exists("session:7"))
	assert.Equal(t, time.Hour, mr.TTL("session:7"))

	d, ok, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DialogCompletion, d.Kind)
	assert.Equal(t, StateAwaitingPrice, d.State)
	assert.Equal(t, "01HAD", d.ItemID)
	assert.False(t, d.UpdatedAt.IsZero())

	require.NoError(t, s.Clear(ctx, 7))
	assert.False(t, mr.Exists("session:7"))
	_, ok, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreExpires(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Enter(ctx, 8, Dialog{Kind: DialogCompletion, State: StateAwaitingChoice, ItemID: "A"}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, 8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDropsCorruptEntry(t *testing.T) {
	s, mr := newRedisStore(t, time.Hour)
	require.NoError(t, mr.Set("session:9", "{not json"))

	_, ok, err := s.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("session:9"))
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), "redis://"+addr, time.Hour)
	assert.Error(t, err)
}
