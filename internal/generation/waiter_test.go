package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/kie"
	"meemee-bot/internal/logging"
	"meemee-bot/internal/repo"
)

type brokenBus struct{}

func (brokenBus) Publish(context.Context, Event) error { return errors.New("bus down") }

func (brokenBus) Subscribe(context.Context, string) (Subscription, error) {
	return nil, errors.New("bus down")
}

func TestAwaitReturnsFinishedJob(t *testing.T) {
	provider := &fakeProvider{states: []*kie.TaskInfo{success("https://cdn/v.mp4")}}
	svc, _ := newTestService(t, provider, 3)
	gen := createJob(t, svc)
	require.NoError(t, svc.Process(context.Background(), gen.ID))

	got, err := svc.Await(context.Background(), gen.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationDone, got.Status)
}

func TestAwaitWakesOnCompletion(t *testing.T) {
	provider := &fakeProvider{states: []*kie.TaskInfo{success("https://cdn/v.mp4")}}
	svc, _ := newTestService(t, provider, 3)
	gen := createJob(t, svc)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.Process(context.Background(), gen.ID)
	}()

	got, err := svc.Await(context.Background(), gen.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationDone, got.Status)
	assert.Equal(t, "https://cdn/v.mp4", got.VideoURL)
}

func TestAwaitTimesOut(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{}, 3)
	gen := createJob(t, svc)

	got, err := svc.Await(context.Background(), gen.ID, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrStillRunning)
	require.NotNil(t, got)
	assert.Equal(t, repo.GenerationQueued, got.Status)
}

func TestAwaitClosedWindowReturnsSnapshot(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{}, 3)
	gen := createJob(t, svc)

	for _, timeout := range []time.Duration{0, -time.Second} {
		got, err := svc.Await(context.Background(), gen.ID, timeout)
		assert.ErrorIs(t, err, ErrStillRunning, timeout)
		require.NotNil(t, got)
		assert.Equal(t, gen.ID, got.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := svc.Await(ctx, gen.ID, time.Second)
	assert.ErrorIs(t, err, ErrStillRunning)
	assert.False(t, errors.Is(err, context.Canceled))
	require.NotNil(t, got)
	assert.Equal(t, repo.GenerationQueued, got.Status)
}

func TestAwaitClosedWindowStillReturnsFinishedJob(t *testing.T) {
	provider := &fakeProvider{states: []*kie.TaskInfo{success("https://cdn/v.mp4")}}
	svc, _ := newTestService(t, provider, 3)
	gen := createJob(t, svc)
	require.NoError(t, svc.Process(context.Background(), gen.ID))

	got, err := svc.Await(context.Background(), gen.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationDone, got.Status)
}

func TestAwaitFallsBackToStorePolling(t *testing.T) {
	provider := &fakeProvider{states: []*kie.TaskInfo{{State: kie.StateFail, FailMsg: "content policy"}}}
	svc, _ := newTestService(t, provider, 3)
	svc.bus = brokenBus{}
	svc.sleep = func(ctx context.Context, _ time.Duration) error { return sleepCtx(ctx, 5*time.Millisecond) }
	gen := createJob(t, svc)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.Process(context.Background(), gen.ID)
	}()

	got, err := svc.Await(context.Background(), gen.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationFailed, got.Status)
	assert.Equal(t, "video generation failed: content policy", got.Error)
}

func TestAwaitUnknownJob(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{}, 3)
	_, err := svc.Await(context.Background(), "GEN-404", time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStillRunning))
}

func TestLocalBusDelivers(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	sub, err := bus.Subscribe(ctx, "GEN-1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "GEN-2")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, bus.Publish(ctx, Event{GenerationID: "GEN-1", Status: repo.GenerationDone, VideoURL: "u"}))

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationDone, ev.Status)
	assert.Equal(t, "u", ev.VideoURL)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = other.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, bus.Publish(ctx, Event{GenerationID: "GEN-1", Status: repo.GenerationFailed}))
}

func TestRedisBusDelivers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.Discard())
	t.Cleanup(func() { _ = r.Close() })
	bus := NewRedisBus(r)

	sub, err := bus.Subscribe(ctx, "GEN-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, Event{GenerationID: "GEN-1", Status: repo.GenerationFailed, Error: "boom"}))

	wait, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := sub.Next(wait)
	require.NoError(t, err)
	assert.Equal(t, "GEN-1", ev.GenerationID)
	assert.Equal(t, repo.GenerationFailed, ev.Status)
	assert.Equal(t, "boom", ev.Error)
}
