package generation

import (
	"context"
	"errors"
	"sync"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/repo"
)

// Event announces a status change of one job.
type Event struct {
	GenerationID string                `json:"generationId"`
	Status       repo.GenerationStatus `json:"status"`
	VideoURL     string                `json:"videoUrl,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Bus fans job events out to waiters.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, generationID string) (Subscription, error)
}

// Subscription yields events for one job until closed.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// RedisBus publishes events on a per-job Redis channel so waiters in any
// process are woken.
type RedisBus struct {
	redis *cache.Redis
}

func NewRedisBus(r *cache.Redis) *RedisBus {
	return &RedisBus{redis: r}
}

func eventChannel(id string) string {
	return cache.Key("gen", id, "events")
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	return b.redis.PublishJSON(ctx, eventChannel(ev.GenerationID), ev)
}

func (b *RedisBus) Subscribe(ctx context.Context, id string) (Subscription, error) {
	sub, err := b.redis.Subscribe(ctx, eventChannel(id))
	if err != nil {
		return nil, err
	}
	return redisSubscription{sub: sub}, nil
}

type redisSubscription struct {
	sub *cache.Subscription
}

func (s redisSubscription) Next(ctx context.Context) (Event, error) {
	var ev Event
	err := s.sub.Next(ctx, &ev)
	return ev, err
}

func (s redisSubscription) Close() error { return s.sub.Close() }

// LocalBus delivers events inside one process. It is used when Redis is not
// configured.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.GenerationID] {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; it re-reads the store on wake-up anyway
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, id string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	key := b.nextID
	ch := make(chan Event, 4)
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]chan Event)
	}
	b.subs[id][key] = ch
	return &localSubscription{bus: b, id: id, key: key, ch: ch}, nil
}

type localSubscription struct {
	bus  *LocalBus
	id   string
	key  int
	ch   chan Event
	once sync.Once
}

func (s *localSubscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, errors.New("subscription closed")
		}
		return ev, nil
	}
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.id], s.key)
		if len(s.bus.subs[s.id]) == 0 {
			delete(s.bus.subs, s.id)
		}
	})
	return nil
}
