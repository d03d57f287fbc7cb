package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/logging"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.Discard())
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestJSONRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	type minimum struct {
		Min string `json:"min"`
	}
	require.NoError(t, r.SetJSON(ctx, Key("coin", "BTC"), minimum{Min: "0.0001"}, time.Minute))

	var got minimum
	ok, err := r.GetJSON(ctx, Key("coin", "BTC"), &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.0001", got.Min)

	mr.FastForward(2 * time.Minute)
	ok, err = r.GetJSON(ctx, Key("coin", "BTC"), &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	g, err := NewIdempotencyGuard(r, time.Hour, "lava")
	require.NoError(t, err)

	seen, err := g.CheckAndMark(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = g.CheckAndMark(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, g.Release(ctx, "evt-1"))
	seen, err = g.CheckAndMark(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = g.CheckAndMark(ctx, "")
	assert.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, _ := newTestRedis(t)

	sub, err := r.Subscribe(ctx, Key("gen", "GEN-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.PublishJSON(ctx, Key("gen", "GEN-1"), map[string]string{"status": "done"}))

	var msg map[string]string
	require.NoError(t, sub.Next(ctx, &msg))
	assert.Equal(t, "done", msg["status"])
}
