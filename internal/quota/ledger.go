// Package quota keeps the per-user generation balance. Every mutation is a
// conditional statement so balances never go negative under concurrency.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/repo"
)

// Debit identifies one deducted unit so it can be refunded to its bucket.
type Debit struct {
	ID     string
	UserID string
	Bucket repo.Bucket
}

// Balance is a snapshot of both buckets.
type Balance struct {
	Free int64
	Paid int64
}

// Total returns free plus paid units.
func (b Balance) Total() int64 { return b.Free + b.Paid }

// Ledger owns quota accounting.
type Ledger struct {
	store      repo.Store
	signupFree int64
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewLedger constructs a ledger. signupFree units are granted to users
// created through EnsureUser.
func NewLedger(store repo.Store, signupFree int64, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		signupFree: signupFree,
		metrics:    m,
		logger:     logger.With("component", "quota"),
		now:        time.Now,
	}
}

// With returns a copy of the ledger operating on store, typically a
// transaction-bound store.
func (l *Ledger) With(store repo.Store) *Ledger {
	cp := *l
	cp.store = store
	return &cp
}

// EnsureUser creates the user on first contact.
func (l *Ledger) EnsureUser(ctx context.Context, userID string) (*repo.User, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	u, created, err := l.store.EnsureUser(ctx, userID, l.signupFree, l.now())
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		l.logger.Info("user created", "user_id", userID, "free_quota", u.FreeQuota)
	}
	return u, nil
}

// Balance returns both buckets for userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Balance{}, apperr.NotFound(fmt.Sprintf("user %s not found", userID))
		}
		return Balance{}, fmt.Errorf("balance: %w", err)
	}
	return Balance{Free: u.FreeQuota, Paid: u.PaidQuota}, nil
}

// HasQuota reports whether userID can start a generation. Unknown users have
// no quota.
func (l *Ledger) HasQuota(ctx context.Context, userID string) (bool, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return b.Total() > 0, nil
}

// Deduct takes one unit, free first. ok is false when both buckets are empty;
// nothing is changed in that case.
func (l *Ledger) Deduct(ctx context.Context, userID string) (*Debit, bool, error) {
	var debit *Debit
	err := l.store.InTx(ctx, func(st repo.Store) error {
		now := l.now()
		for _, bucket := range []repo.Bucket{repo.BucketFree, repo.BucketPaid} {
			ok, err := st.AdjustQuota(ctx, userID, bucket, -1, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			d := repo.QuotaDebit{ID: uuid.NewString(), UserID: userID, Bucket: bucket, CreatedAt: now}
			if err := st.InsertQuotaDebit(ctx, d); err != nil {
				return err
			}
			debit = &Debit{ID: d.ID, UserID: userID, Bucket: bucket}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("deduct quota: %w", err)
	}
	if debit == nil {
		return nil, false, nil
	}
	l.observe("deduct", debit.Bucket)
	return debit, true, nil
}

// Refund restores the unit taken by debitID to the bucket it came from.
// Only the first call has an effect.
func (l *Ledger) Refund(ctx context.Context, debitID string) (bool, error) {
	if debitID == "" {
		return false, apperr.Validation("debit id is required")
	}
	var bucket repo.Bucket
	err := l.store.InTx(ctx, func(st repo.Store) error {
		now := l.now()
		marked, err := st.MarkQuotaDebitRefunded(ctx, debitID, now)
		if err != nil || !marked {
			return err
		}
		d, err := st.GetQuotaDebit(ctx, debitID)
		if err != nil {
			return err
		}
		ok, err := st.AdjustQuota(ctx, d.UserID, d.Bucket, 1, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refund debit %s: user %s: %w", debitID, d.UserID, repo.ErrNotFound)
		}
		bucket = d.Bucket
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, apperr.NotFound(fmt.Sprintf("debit %s not found", debitID))
		}
		return false, fmt.Errorf("refund quota: %w", err)
	}
	if bucket == "" {
		return false, nil
	}
	l.observe("refund", bucket)
	return true, nil
}

// AddFree credits n free units.
func (l *Ledger) AddFree(ctx context.Context, userID string, n int64) error {
	return l.add(ctx, userID, repo.BucketFree, n)
}

// AddPaid credits n paid units.
func (l *Ledger) AddPaid(ctx context.Context, userID string, n int64) error {
	return l.add(ctx, userID, repo.BucketPaid, n)
}

func (l *Ledger) add(ctx context.Context, userID string, bucket repo.Bucket, n int64) error {
	if n <= 0 {
		return apperr.Validation("quota credit must be positive")
	}
	ok, err := l.store.AdjustQuota(ctx, userID, bucket, n, l.now())
	if err != nil {
		return fmt.Errorf("add %s quota: %w", bucket, err)
	}
	if !ok {
		return apperr.NotFound(fmt.Sprintf("user %s not found", userID))
	}
	l.observe("credit", bucket)
	return nil
}

func (l *Ledger) observe(op string, bucket repo.Bucket) {
	if l.metrics != nil {
		l.metrics.QuotaOperations.WithLabelValues(op, string(bucket)).Inc()
	}
}
