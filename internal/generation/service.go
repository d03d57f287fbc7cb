// Package generation runs meme video jobs: it renders prompts, submits them
// to the video provider, polls for the result and records terminal states.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/kie"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/repo"
)

var (
	// ErrTimeout is returned when the provider never reached a final state.
	ErrTimeout = errors.New("video generation timeout")
	// ErrNoVideoURL is returned when a successful task carries no result.
	ErrNoVideoURL = errors.New("task completed but no video URL found")
	// ErrInvalidTransition is returned when a job already left the expected
	// state.
	ErrInvalidTransition = errors.New("invalid generation status transition")
)

// VideoProvider is the subset of the Kie client used by the pipeline.
type VideoProvider interface {
	CreateTask(ctx context.Context, prompt string) (string, error)
	RecordInfo(ctx context.Context, taskID string) (*kie.TaskInfo, error)
}

// TerminalHook is told about every job that reaches done or failed.
type TerminalHook interface {
	OnTerminal(ctx context.Context, gen repo.Generation)
}

// Queue accepts job ids for execution. Enqueue returns false when the job
// could not be scheduled right now.
type Queue interface {
	Enqueue(id string) bool
}

// Config tunes provider polling.
type Config struct {
	PollAttempts int
	PollInterval time.Duration
}

// CreateRequest describes a new job. DebitID links the job to the quota unit
// that paid for it.
type CreateRequest struct {
	UserID  string `json:"userId" validate:"required"`
	MemeID  string `json:"memeId" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Gender  string `json:"gender" validate:"required"`
	DebitID string `json:"-"`
}

// Stats summarises jobs by status.
type Stats struct {
	Total       int64                           `json:"total"`
	ByStatus    map[repo.GenerationStatus]int64 `json:"byStatus"`
	QueueLength int64                           `json:"queueLength"`
}

// Service owns the job lifecycle.
type Service struct {
	store    repo.Store
	memes    *catalog.Memes
	provider VideoProvider
	bus      Bus
	hook     TerminalHook
	queue    Queue
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewService(store repo.Store, memes *catalog.Memes, provider VideoProvider, bus Bus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if bus == nil {
		bus = NewLocalBus()
	}
	return &Service{
		store:    store,
		memes:    memes,
		provider: provider,
		bus:      bus,
		metrics:  m,
		logger:   logger.With("component", "generation"),
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetQueue attaches the executor that receives newly created jobs.
func (s *Service) SetQueue(q Queue) { s.queue = q }

// SetTerminalHook attaches the callback run after a job finishes.
func (s *Service) SetTerminalHook(h TerminalHook) { s.hook = h }

// Bus returns the event bus jobs publish to.
func (s *Service) Bus() Bus { return s.bus }

func newGenerationID(now time.Time) string {
	return fmt.Sprintf("GEN-%d-%d", now.UnixMilli(), rand.IntN(10000))
}

// Create validates the request, stores a queued job and schedules it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*repo.Generation, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Validation("user id is required")
	}
	if !validGender(req.Gender) {
		return nil, apperr.Validation("gender must be male or female")
	}
	name := strings.TrimSpace(req.Name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	meme, ok := s.memes.Template(req.MemeID)
	if !ok || !meme.Available() {
		return nil, apperr.NotFound(fmt.Sprintf("meme %s not found", req.MemeID))
	}

	now := s.now().UTC()
	gen := repo.Generation{
		UserID:    req.UserID,
		MemeID:    meme.ID,
		MemeName:  meme.Name,
		Name:      name,
		Gender:    req.Gender,
		Prompt:    RenderPrompt(meme.Prompt, name, req.Gender),
		Status:    repo.GenerationQueued,
		DebitID:   req.DebitID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		gen.ID = newGenerationID(now)
		if err = s.store.InsertGeneration(ctx, gen); !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	s.logger.Info("generation created", "generation_id", gen.ID, "user_id", gen.UserID, "meme_id", gen.MemeID)

	if s.queue != nil && !s.queue.Enqueue(gen.ID) {
		s.logger.Warn("generation queue full, left for sweeper", "generation_id", gen.ID)
	}
	return &gen, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*repo.Generation, error) {
	gen, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("generation %s not found", id))
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return gen, nil
}

// ListByUser returns a user's jobs newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]repo.Generation, error) {
	gens, err := s.store.ListGenerations(ctx, repo.GenerationFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list user generations: %w", err)
	}
	return gens, nil
}

// Pending returns queued and processing jobs oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]repo.Generation, error) {
	gens, err := s.store.ListGenerations(ctx, repo.GenerationFilter{
		Statuses: []repo.GenerationStatus{repo.GenerationQueued, repo.GenerationProcessing},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending generations: %w", err)
	}
	return gens, nil
}

// Stats counts jobs per status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	raw, err := s.store.GenerationStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("generation stats: %w", err)
	}
	return &Stats{
		Total:       raw.Total,
		ByStatus:    raw.ByStatus,
		QueueLength: raw.ByStatus[repo.GenerationQueued] + raw.ByStatus[repo.GenerationProcessing],
	}, nil
}

// TopMemes ranks memes by completed jobs.
func (s *Service) TopMemes(ctx context.Context) ([]repo.MemeCount, error) {
	top, err := s.store.TopMemes(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("top memes: %w", err)
	}
	return top, nil
}

// Process drives one job to a terminal state. A cancelled ctx leaves the job
// in processing so it can resume later; a persisted task id is reused.
func (s *Service) Process(ctx context.Context, id string) error {
	gen, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if gen.Status.Terminal() {
		return nil
	}
	if gen.Status == repo.GenerationQueued {
		ok, err := s.store.TransitionGeneration(ctx, id,
			[]repo.GenerationStatus{repo.GenerationQueued},
			repo.GenerationUpdate{Status: repo.GenerationProcessing}, s.now())
		if err != nil {
			return fmt.Errorf("start generation: %w", err)
		}
		if !ok {
			return fmt.Errorf("start generation %s: %w", id, ErrInvalidTransition)
		}
		gen.Status = repo.GenerationProcessing
		s.publish(ctx, Event{GenerationID: id, Status: repo.GenerationProcessing})
	}

	taskID := gen.TaskID
	if taskID == "" {
		taskID, err = s.provider.CreateTask(ctx, gen.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.finish(ctx, gen, repo.GenerationUpdate{Status: repo.GenerationFailed, Error: err.Error()})
		}
		if err := s.store.SetGenerationTask(ctx, id, taskID, s.now()); err != nil {
			return fmt.Errorf("save task id: %w", err)
		}
	} else {
		s.logger.Info("resuming generation", "generation_id", id, "task_id", taskID)
	}

	videoURL, attempts, err := s.poll(ctx, id, taskID, gen.Attempts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.finish(ctx, gen, repo.GenerationUpdate{Status: repo.GenerationFailed, Error: err.Error(), Attempts: attempts})
	}
	return s.finish(ctx, gen, repo.GenerationUpdate{Status: repo.GenerationDone, VideoURL: videoURL, Attempts: attempts})
}

// Poll checks taskID until it succeeds, fails or attempts run out. Transient
// lookup errors are retried; on the last attempt they are returned.
func (s *Service) Poll(ctx context.Context, taskID string) (string, int, error) {
	return s.poll(ctx, "", taskID, 0)
}

// poll continues after done earlier attempts, so the budget spans restarts.
// Progress is stored for genID when it is set.
func (s *Service) poll(ctx context.Context, genID, taskID string, done int) (string, int, error) {
	attempts := s.cfg.PollAttempts
	for i := done + 1; i <= attempts; i++ {
		info, err := s.provider.RecordInfo(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", i, ctx.Err()
			}
			if i == attempts {
				return "", i, fmt.Errorf("poll task %s: %w", taskID, err)
			}
			s.logger.Warn("poll attempt failed", "task_id", taskID, "attempt", i, "error", err)
		case info.State == kie.StateSuccess:
			if len(info.ResultURLs) == 0 || strings.TrimSpace(info.ResultURLs[0]) == "" {
				return "", i, ErrNoVideoURL
			}
			return info.ResultURLs[0], i, nil
		case info.State == kie.StateFail:
			msg := strings.TrimSpace(info.FailMsg)
			if msg == "" {
				msg = "Unknown error"
			}
			return "", i, fmt.Errorf("video generation failed: %s", msg)
		default:
			s.logger.Debug("task still running", "task_id", taskID, "state", info.State, "attempt", i)
		}
		if genID != "" {
			if err := s.store.SetGenerationAttempts(ctx, genID, i, s.now()); err != nil {
				s.logger.Warn("save poll progress", "generation_id", genID, "error", err)
			}
		}
		if i == attempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return "", i, err
		}
	}
	total := time.Duration(attempts) * s.cfg.PollInterval
	return "", attempts, fmt.Errorf("%w after %d seconds", ErrTimeout, int(total/time.Second))
}

func (s *Service) finish(ctx context.Context, gen *repo.Generation, upd repo.GenerationUpdate) error {
	// the terminal write must land even if the caller is shutting down
	ctx = context.WithoutCancel(ctx)
	ok, err := s.store.TransitionGeneration(ctx, gen.ID,
		[]repo.GenerationStatus{repo.GenerationQueued, repo.GenerationProcessing}, upd, s.now())
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if !ok {
		return fmt.Errorf("finish generation %s: %w", gen.ID, ErrInvalidTransition)
	}
	final, err := s.store.GetGeneration(ctx, gen.ID)
	if err != nil {
		return fmt.Errorf("reload generation: %w", err)
	}

	if upd.Status == repo.GenerationDone {
		s.logger.Info("generation done", "generation_id", final.ID, "attempts", final.Attempts)
	} else {
		s.logger.Warn("generation failed", "generation_id", final.ID, "error", final.Error)
	}
	if s.metrics != nil {
		s.metrics.GenerationsTotal.WithLabelValues(string(final.Status)).Inc()
	}
	s.publish(ctx, Event{GenerationID: final.ID, Status: final.Status, VideoURL: final.VideoURL, Error: final.Error})
	if s.hook != nil {
		s.hook.OnTerminal(ctx, *final)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish generation event failed", "generation_id", ev.GenerationID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
