package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var quotaColumns = map[Bucket]string{
	BucketFree: "free_quota",
	BucketPaid: "paid_quota",
}

const userColumns = `id, free_quota, paid_quota, total_spent, total_cashback, created_at, updated_at`

// EnsureUser creates the user with freeQuota units when absent. The boolean
// reports whether the row was created by this call.
func (s *SQLStore) EnsureUser(ctx context.Context, id string, freeQuota int64, now time.Time) (*User, bool, error) {
	const q = `
INSERT INTO users (id, free_quota, paid_quota, total_spent, total_cashback, created_at, updated_at)
VALUES (?, ?, 0, 0, 0, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	now = now.UTC()
	res, err := s.exec(ctx, q, id, freeQuota, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return u, n > 0, nil
}

// GetUser returns the user or ErrNotFound.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	var u User
	if err := row.Scan(&u.ID, &u.FreeQuota, &u.PaidQuota, &u.TotalSpent, &u.TotalCashback, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	return &u, nil
}

// AdjustQuota adds delta to one bucket. Negative deltas apply only when the
// bucket stays non-negative; false means nothing was changed.
func (s *SQLStore) AdjustQuota(ctx context.Context, userID string, bucket Bucket, delta int64, now time.Time) (bool, error) {
	col, ok := quotaColumns[bucket]
	if !ok {
		return false, fmt.Errorf("unknown quota bucket %q", bucket)
	}
	q := `UPDATE users SET ` + col + ` = ` + col + ` + ?, updated_at = ? WHERE id = ? AND ` + col + ` + ? >= 0`
	res, err := s.exec(ctx, q, delta, now.UTC(), userID, delta)
	if err != nil {
		return false, fmt.Errorf("adjust %s quota: %w", bucket, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddTotals increments the lifetime spend and cashback counters.
func (s *SQLStore) AddTotals(ctx context.Context, userID string, spent, cashback decimal.Decimal, now time.Time) error {
	const q = `
UPDATE users
SET total_spent = total_spent + ?, total_cashback = total_cashback + ?, updated_at = ?
WHERE id = ?;
`
	res, err := s.exec(ctx, q, spent, cashback, now.UTC(), userID)
	if err != nil {
		return fmt.Errorf("add user totals: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("add user totals %s: %w", userID, ErrNotFound)
	}
	return nil
}

// InsertQuotaDebit stores the provenance of a deducted unit.
func (s *SQLStore) InsertQuotaDebit(ctx context.Context, debit QuotaDebit) error {
	const q = `INSERT INTO quota_debits (id, user_id, bucket, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.exec(ctx, q, debit.ID, debit.UserID, string(debit.Bucket), debit.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert quota debit: %w", err)
	}
	return nil
}

// GetQuotaDebit returns the debit or ErrNotFound.
func (s *SQLStore) GetQuotaDebit(ctx context.Context, id string) (*QuotaDebit, error) {
	row := s.queryRow(ctx, `SELECT id, user_id, bucket, created_at, refunded_at FROM quota_debits WHERE id = ?`, id)
	var (
		d        QuotaDebit
		bucket   string
		refunded sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.UserID, &bucket, &d.CreatedAt, &refunded); err != nil {
		return nil, fmt.Errorf("get quota debit %s: %w", id, notFound(err))
	}
	d.Bucket = Bucket(bucket)
	if refunded.Valid {
		t := refunded.Time
		d.RefundedAt = &t
	}
	return &d, nil
}

// MarkQuotaDebitRefunded stamps refunded_at once. False means the debit was
// already refunded.
func (s *SQLStore) MarkQuotaDebitRefunded(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE quota_debits SET refunded_at = ? WHERE id = ? AND refunded_at IS NULL`, now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark debit refunded: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetQuotaDebit(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
