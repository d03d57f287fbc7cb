package repo

import (
	"context"
	"fmt"
	"time"
)

const generationColumns = `id, user_id, meme_id, meme_name, name, gender, prompt, status, video_url, error,
debit_id, task_id, attempts, created_at, updated_at`

func scanGeneration(row rowScanner) (*Generation, error) {
	var (
		g      Generation
		status string
	)
	err := row.Scan(&g.ID, &g.UserID, &g.MemeID, &g.MemeName, &g.Name, &g.Gender, &g.Prompt, &status, &g.VideoURL, &g.Error,
		&g.DebitID, &g.TaskID, &g.Attempts, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = GenerationStatus(status)
	return &g, nil
}

// InsertGeneration stores a new job.
func (s *SQLStore) InsertGeneration(ctx context.Context, gen Generation) error {
	const q = `
INSERT INTO generations (id, user_id, meme_id, meme_name, name, gender, prompt, status, video_url, error,
    debit_id, task_id, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	res, err := s.exec(ctx, q,
		gen.ID, gen.UserID, gen.MemeID, gen.MemeName, gen.Name, gen.Gender, gen.Prompt, string(gen.Status),
		gen.VideoURL, gen.Error, gen.DebitID, gen.TaskID, gen.Attempts,
		gen.CreatedAt.UTC(), gen.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("insert generation %s: %w", gen.ID, ErrConflict)
	}
	return nil
}

// GetGeneration returns the job or ErrNotFound.
func (s *SQLStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	g, err := scanGeneration(s.queryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get generation %s: %w", id, notFound(err))
	}
	return g, nil
}

// ListGenerations returns jobs matching filter. User listings are newest
// first; status listings are oldest first so the queue drains in order.
func (s *SQLStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]Generation, error) {
	q := `SELECT ` + generationColumns + ` FROM generations WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.UserID != "" {
		q += ` ORDER BY created_at DESC, id DESC`
	} else {
		q += ` ORDER BY created_at ASC, id ASC`
	}
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var gens []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return gens, nil
}

// TransitionGeneration applies upd only while the job is in one of the from
// states. False means the job had already moved on.
func (s *SQLStore) TransitionGeneration(ctx context.Context, id string, from []GenerationStatus, upd GenerationUpdate, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition generation %s: no source states", id)
	}
	q := `
UPDATE generations
SET status = ?, video_url = ?, error = ?, attempts = CASE WHEN ? > attempts THEN ? ELSE attempts END, updated_at = ?
WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{string(upd.Status), upd.VideoURL, upd.Error, upd.Attempts, upd.Attempts, now.UTC(), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition generation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetGeneration(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetGenerationTask records the provider task id of a processing job.
func (s *SQLStore) SetGenerationTask(ctx context.Context, id, taskID string, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE generations SET task_id = ?, updated_at = ? WHERE id = ?`, taskID, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("set generation task: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set generation task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetGenerationAttempts records polling progress of an unfinished job. The
// counter never decreases.
func (s *SQLStore) SetGenerationAttempts(ctx context.Context, id string, attempts int, now time.Time) error {
	const q = `
UPDATE generations SET attempts = ?, updated_at = ?
WHERE id = ? AND attempts < ? AND status IN ('queued', 'processing')`
	if _, err := s.exec(ctx, q, attempts, now.UTC(), id, attempts); err != nil {
		return fmt.Errorf("set generation attempts: %w", err)
	}
	return nil
}

// GenerationStats counts jobs by status.
func (s *SQLStore) GenerationStats(ctx context.Context) (*GenerationStats, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM generations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("generation stats: %w", err)
	}
	defer rows.Close()

	stats := &GenerationStats{ByStatus: map[GenerationStatus]int64{}}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan generation stats: %w", err)
		}
		stats.ByStatus[GenerationStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation stats: %w", err)
	}
	return stats, nil
}

// TopMemes ranks memes by completed jobs.
func (s *SQLStore) TopMemes(ctx context.Context, limit int) ([]MemeCount, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT meme_id, MAX(meme_name), COUNT(*) AS cnt
FROM generations
WHERE status = ?
GROUP BY meme_id
ORDER BY cnt DESC, meme_id ASC
LIMIT ?;
`
	rows, err := s.query(ctx, q, string(GenerationDone), limit)
	if err != nil {
		return nil, fmt.Errorf("top memes: %w", err)
	}
	defer rows.Close()

	var res []MemeCount
	for rows.Next() {
		var mc MemeCount
		if err := rows.Scan(&mc.MemeID, &mc.MemeName, &mc.Count); err != nil {
			return nil, fmt.Errorf("scan top memes: %w", err)
		}
		res = append(res, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top memes: %w", err)
	}
	return res, nil
}
