package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"meemee-bot/internal/metrics"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

// Pool executes jobs on a fixed number of workers. Jobs that do not fit in
// the queue, or that were left behind by a restart, are picked up by the
// sweeper from the store.
type Pool struct {
	svc     *Service
	cfg     PoolConfig
	queue   chan string
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPool(svc *Service, cfg PoolConfig, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Pool{
		svc:      svc,
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueSize),
		metrics:  m,
		logger:   logger.With("component", "generation_pool"),
		inflight: make(map[string]struct{}),
	}
}

// Enqueue schedules id unless it is already queued or running. It never
// blocks.
func (p *Pool) Enqueue(id string) bool {
	p.mu.Lock()
	if _, ok := p.inflight[id]; ok {
		p.mu.Unlock()
		return true
	}
	p.inflight[id] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- id:
		return true
	default:
		p.release(id)
		return false
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Run blocks until ctx is cancelled. Jobs interrupted by cancellation stay in
// processing and are resumed by the next sweep.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.sweep(ctx)
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	})
	p.logger.Info("generation pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
	err := g.Wait()
	p.logger.Info("generation pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.runOne(ctx, worker, id)
		}
	}
}

func (p *Pool) runOne(ctx context.Context, worker int, id string) {
	defer p.release(id)
	if p.metrics != nil {
		p.metrics.GenerationsRunning.Inc()
		defer p.metrics.GenerationsRunning.Dec()
	}
	if err := p.svc.Process(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.logger.Info("generation interrupted", "generation_id", id, "worker", worker)
			return
		}
		p.logger.Error("generation processing failed", "generation_id", id, "worker", worker, "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("generation").Inc()
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	pending, err := p.svc.Pending(ctx, p.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("sweep pending generations", "error", err)
		}
		return
	}
	scheduled := 0
	for _, gen := range pending {
		if !p.Enqueue(gen.ID) {
			break
		}
		scheduled++
	}
	if scheduled > 0 {
		p.logger.Debug("sweep scheduled generations", "count", scheduled)
	}
}
