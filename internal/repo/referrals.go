package repo

import (
	"context"
	"fmt"
)

// InsertReferralLink records the first referrer of a new user. False means
// the user was already attributed in this namespace.
func (s *SQLStore) InsertReferralLink(ctx context.Context, link ReferralLink) (bool, error) {
	const q = `
INSERT INTO referral_links (new_user_id, kind, referrer_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (new_user_id, kind) DO NOTHING;
`
	res, err := s.exec(ctx, q, link.NewUserID, string(link.Kind), link.ReferrerID, link.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert referral link: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetReferralLink returns who referred newUserID, or ErrNotFound.
func (s *SQLStore) GetReferralLink(ctx context.Context, newUserID string, kind ReferralKind) (*ReferralLink, error) {
	const q = `SELECT new_user_id, kind, referrer_id, created_at FROM referral_links WHERE new_user_id = ? AND kind = ?`
	var (
		l ReferralLink
		k string
	)
	if err := s.queryRow(ctx, q, newUserID, string(kind)).Scan(&l.NewUserID, &k, &l.ReferrerID, &l.CreatedAt); err != nil {
		return nil, fmt.Errorf("get referral link: %w", notFound(err))
	}
	l.Kind = ReferralKind(k)
	return &l, nil
}

// ListReferred returns the users brought by referrerID, oldest first.
func (s *SQLStore) ListReferred(ctx context.Context, referrerID string, kind ReferralKind) ([]string, error) {
	const q = `
SELECT new_user_id FROM referral_links
WHERE referrer_id = ? AND kind = ?
ORDER BY created_at ASC, new_user_id ASC;
`
	rows, err := s.query(ctx, q, referrerID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list referred users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan referred user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referred users: %w", err)
	}
	return ids, nil
}

const cashbackColumns = `id, order_id, expert_id, user_id, amount, original_amount, percent, created_at`

func scanCashback(row rowScanner) (*CashbackEntry, error) {
	var c CashbackEntry
	if err := row.Scan(&c.ID, &c.OrderID, &c.ExpertID, &c.UserID, &c.Amount, &c.OriginalAmount, &c.Percent, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCashback stores entry unless the order already has one.
func (s *SQLStore) InsertCashback(ctx context.Context, entry CashbackEntry) (bool, error) {
	const q = `
INSERT INTO cashbacks (id, order_id, expert_id, user_id, amount, original_amount, percent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_id) DO NOTHING;
`
	res, err := s.exec(ctx, q, entry.ID, entry.OrderID, entry.ExpertID, entry.UserID,
		entry.Amount, entry.OriginalAmount, entry.Percent, entry.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert cashback: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCashbackByOrder returns the cashback created for orderID, or ErrNotFound.
func (s *SQLStore) GetCashbackByOrder(ctx context.Context, orderID string) (*CashbackEntry, error) {
	c, err := scanCashback(s.queryRow(ctx, `SELECT `+cashbackColumns+` FROM cashbacks WHERE order_id = ?`, orderID))
	if err != nil {
		return nil, fmt.Errorf("get cashback: %w", notFound(err))
	}
	return c, nil
}

// ListCashbacks returns an expert's cashback history, newest first.
func (s *SQLStore) ListCashbacks(ctx context.Context, expertID string) ([]CashbackEntry, error) {
	q := `SELECT ` + cashbackColumns + ` FROM cashbacks WHERE expert_id = ? ORDER BY created_at DESC, id DESC`
	rows, err := s.query(ctx, q, expertID)
	if err != nil {
		return nil, fmt.Errorf("list cashbacks: %w", err)
	}
	defer rows.Close()

	var entries []CashbackEntry
	for rows.Next() {
		c, err := scanCashback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cashback: %w", err)
		}
		entries = append(entries, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cashbacks: %w", err)
	}
	return entries, nil
}

// InsertReferralActivity appends one activity record.
func (s *SQLStore) InsertReferralActivity(ctx context.Context, a ReferralActivity) error {
	const q = `
INSERT INTO referral_activities (id, referrer_id, new_user_id, kind, occurred_at, activity_date)
VALUES (?, ?, ?, ?, ?, ?);
`
	if _, err := s.exec(ctx, q, a.ID, a.ReferrerID, a.NewUserID, string(a.Kind), a.OccurredAt.UTC(), a.Date); err != nil {
		return fmt.Errorf("insert referral activity: %w", err)
	}
	return nil
}

// CountReferralActivities counts a referrer's activities on date.
func (s *SQLStore) CountReferralActivities(ctx context.Context, referrerID, date string) (int64, error) {
	var n int64
	const q = `SELECT COUNT(*) FROM referral_activities WHERE referrer_id = ? AND activity_date = ?`
	if err := s.queryRow(ctx, q, referrerID, date).Scan(&n); err != nil {
		return 0, fmt.Errorf("count referral activities: %w", err)
	}
	return n, nil
}

// UpsertSuspicious flags or refreshes a suspicious referrer.
func (s *SQLStore) UpsertSuspicious(ctx context.Context, flag SuspiciousReferrer) error {
	const q = `
INSERT INTO suspicious_referrers (referrer_id, activity_count, flagged_at)
VALUES (?, ?, ?)
ON CONFLICT (referrer_id) DO UPDATE SET activity_count = excluded.activity_count, flagged_at = excluded.flagged_at;
`
	if _, err := s.exec(ctx, q, flag.ReferrerID, flag.Count, flag.FlaggedAt.UTC()); err != nil {
		return fmt.Errorf("flag suspicious referrer: %w", err)
	}
	return nil
}

// GetSuspicious returns the flag for referrerID, or ErrNotFound.
func (s *SQLStore) GetSuspicious(ctx context.Context, referrerID string) (*SuspiciousReferrer, error) {
	const q = `SELECT referrer_id, activity_count, flagged_at FROM suspicious_referrers WHERE referrer_id = ?`
	var f SuspiciousReferrer
	if err := s.queryRow(ctx, q, referrerID).Scan(&f.ReferrerID, &f.Count, &f.FlaggedAt); err != nil {
		return nil, fmt.Errorf("get suspicious referrer: %w", notFound(err))
	}
	return &f, nil
}
