package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant/internal/model"
)

func newRedisStore(t *testing.T, maxHistory int, idle time.Duration) (*RedisContextStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := NewRedisContextStore(context.Background(), "redis://"+mr.Addr(), maxHistory, idle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.now = fixedClock
	return store, mr
}

func TestRedisContextStore_CapsHistory(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, 3, 30*time.Minute)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{
			Command: fmt.Sprintf("command %d", i),
			Action:  model.IntentRoomsQuery,
		}))
	}

	entries, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "command 2", entries[0].Command)
	assert.Equal(t, "command 4", entries[2].Command)
	assert.Equal(t, fixedNow, entries[0].Timestamp.UTC())
}

func TestRedisContextStore_WriteRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, 10, 30*time.Minute)
	key := contextKey("u1")

	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{Command: "rooms"}))
	assert.Equal(t, 30*time.Minute, mr.TTL(key))

	mr.FastForward(20 * time.Minute)
	assert.Equal(t, 10*time.Minute, mr.TTL(key))

	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{Command: "my bookings"}))
	assert.Equal(t, 30*time.Minute, mr.TTL(key))

	mr.FastForward(31 * time.Minute)
	entries, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisContextStore_SkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, 10, 30*time.Minute)

	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{Command: "rooms"}))
	_, err := mr.Push(contextKey("u1"), "{not json")
	require.NoError(t, err)
	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{Command: "undo", Action: model.IntentUndo}))

	entries, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "rooms", entries[0].Command)
	assert.Equal(t, model.IntentUndo, entries[1].Action)
}

func TestRedisContextStore_ClearAndIsolation(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, 10, 30*time.Minute)

	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{Command: "rooms"}))
	require.NoError(t, store.AddToContext(ctx, "u2", model.ContextEntry{Command: "my bookings"}))

	require.NoError(t, store.ClearContext(ctx, "u1"))
	assert.False(t, mr.Exists(contextKey("u1")))

	entries, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.GetContext(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	n, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewRedisContextStore_Errors(t *testing.T) {
	_, err := NewRedisContextStore(context.Background(), "not-a-url", 10, time.Minute)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisContextStore(ctx, "redis://"+addr, 10, time.Minute)
	assert.Error(t, err)
}
