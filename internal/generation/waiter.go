package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meemee-bot/internal/repo"
)

// ErrStillRunning is returned by Await when the wait window closed before the
// job finished. The job itself keeps running.
var ErrStillRunning = errors.New("generation still running")

const storePollInterval = 2 * time.Second

// Await blocks until the job reaches a terminal state or timeout elapses. A
// closed wait window, whether from a non-positive timeout or a done ctx,
// yields the current snapshot with ErrStillRunning. The store is read again
// after subscribing so a completion between the two is not missed.
func (s *Service) Await(parent context.Context, id string, timeout time.Duration) (*repo.Generation, error) {
	gen, err := s.Get(context.WithoutCancel(parent), id)
	if err != nil {
		return nil, err
	}
	if gen.Status.Terminal() {
		return gen, nil
	}
	if timeout <= 0 || parent.Err() != nil {
		return gen, fmt.Errorf("await %s: %w", id, ErrStillRunning)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sub, err := s.bus.Subscribe(ctx, id)
	if err != nil {
		s.logger.Warn("subscribe failed, polling store", "generation_id", id, "error", err)
		sub = nil
	} else {
		defer sub.Close()
	}

	latest, err := s.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return gen, fmt.Errorf("await %s: %w", id, ErrStillRunning)
		}
		return nil, err
	}
	gen = latest
	if gen.Status.Terminal() {
		return gen, nil
	}

	for {
		if sub != nil {
			_, err = sub.Next(ctx)
		} else {
			err = s.sleep(ctx, storePollInterval)
		}
		if ctx.Err() != nil {
			return gen, fmt.Errorf("await %s: %w", id, ErrStillRunning)
		}
		if err != nil {
			s.logger.Warn("generation event stream broken, polling store", "generation_id", id, "error", err)
			_ = sub.Close()
			sub = nil
		}
		// events only wake us up; the store is the source of truth
		latest, err = s.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return gen, fmt.Errorf("await %s: %w", id, ErrStillRunning)
			}
			return nil, err
		}
		gen = latest
		if gen.Status.Terminal() {
			return gen, nil
		}
	}
}
