// Package referral records who brought whom, credits referral bonuses and
// computes expert cashback on paid orders.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/repo"
)

// Config holds the referral economics.
type Config struct {
	Bonus                 int64
	ExpertCashbackPercent int64
	SuspiciousDailyLimit  int
}

// Ledger owns referral attribution and cashback.
type Ledger struct {
	store   repo.Store
	quota   *quota.Ledger
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewLedger(store repo.Store, quotaLedger *quota.Ledger, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	if cfg.SuspiciousDailyLimit <= 0 {
		cfg.SuspiciousDailyLimit = 10
	}
	return &Ledger{
		store:   store,
		quota:   quotaLedger,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "referral"),
		now:     time.Now,
	}
}

// With returns a copy bound to store, typically a transaction.
func (l *Ledger) With(store repo.Store) *Ledger {
	cp := *l
	cp.store = store
	cp.quota = l.quota.With(store)
	return &cp
}

// ProcessUserReferral attributes newUserID to referrerID and credits both
// with the referral bonus. It returns false when the referral is not
// eligible: self-referral, unknown referrer or a user that already has a
// referrer.
func (l *Ledger) ProcessUserReferral(ctx context.Context, referrerID, newUserID string) (bool, error) {
	accepted := false
	err := l.store.InTx(ctx, func(tx repo.Store) error {
		txl := l.With(tx)
		ok, err := txl.attribute(ctx, referrerID, newUserID, repo.ReferralUser)
		if err != nil || !ok {
			return err
		}
		if l.cfg.Bonus > 0 {
			if err := txl.quota.AddFree(ctx, referrerID, l.cfg.Bonus); err != nil {
				return err
			}
			if err := txl.quota.AddFree(ctx, newUserID, l.cfg.Bonus); err != nil {
				return err
			}
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("process user referral: %w", err)
	}
	if accepted {
		l.logger.Info("user referral recorded", "referrer_id", referrerID, "new_user_id", newUserID, "bonus", l.cfg.Bonus)
	}
	return accepted, nil
}

// ProcessExpertReferral attributes newUserID to an expert. Expert and user
// referrals are independent; no quota is credited.
func (l *Ledger) ProcessExpertReferral(ctx context.Context, expertID, newUserID string) (bool, error) {
	accepted := false
	err := l.store.InTx(ctx, func(tx repo.Store) error {
		ok, err := l.With(tx).attribute(ctx, expertID, newUserID, repo.ReferralExpert)
		accepted = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("process expert referral: %w", err)
	}
	if accepted {
		l.logger.Info("expert referral recorded", "expert_id", expertID, "new_user_id", newUserID)
	}
	return accepted, nil
}

func (l *Ledger) attribute(ctx context.Context, referrerID, newUserID string, kind repo.ReferralKind) (bool, error) {
	if referrerID == "" || newUserID == "" || referrerID == newUserID {
		return false, nil
	}
	if _, err := l.store.GetUser(ctx, referrerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := l.quota.EnsureUser(ctx, newUserID); err != nil {
		return false, err
	}
	inserted, err := l.store.InsertReferralLink(ctx, repo.ReferralLink{
		NewUserID:  newUserID,
		ReferrerID: referrerID,
		Kind:       kind,
		CreatedAt:  l.now().UTC(),
	})
	if err != nil || !inserted {
		return false, err
	}
	if err := l.LogActivity(ctx, referrerID, newUserID, kind); err != nil {
		return false, err
	}
	return true, nil
}

// LogActivity appends an audit entry and flags the referrer once the same
// UTC day holds more than the daily limit of activities.
func (l *Ledger) LogActivity(ctx context.Context, referrerID, newUserID string, kind repo.ReferralKind) error {
	now := l.now().UTC()
	date := now.Format(time.DateOnly)
	err := l.store.InsertReferralActivity(ctx, repo.ReferralActivity{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		NewUserID:  newUserID,
		Kind:       kind,
		OccurredAt: now,
		Date:       date,
	})
	if err != nil {
		return fmt.Errorf("log referral activity: %w", err)
	}
	count, err := l.store.CountReferralActivities(ctx, referrerID, date)
	if err != nil {
		return fmt.Errorf("count referral activity: %w", err)
	}
	if count > int64(l.cfg.SuspiciousDailyLimit) {
		if err := l.store.UpsertSuspicious(ctx, repo.SuspiciousReferrer{ReferrerID: referrerID, Count: count, FlaggedAt: now}); err != nil {
			return fmt.Errorf("flag suspicious referrer: %w", err)
		}
		l.logger.Warn("suspicious referral activity", "referrer_id", referrerID, "count", count, "date", date)
	}
	return nil
}

// ProcessExpertCashback credits the expert who brought userID with a share of
// amount. Each order yields at most one entry; created is false when the
// user has no expert or the order was already credited.
func (l *Ledger) ProcessExpertCashback(ctx context.Context, orderID, userID string, amount decimal.Decimal) (entry *repo.CashbackEntry, created bool, err error) {
	link, err := l.store.GetReferralLink(ctx, userID, repo.ReferralExpert)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lookup expert: %w", err)
	}
	if l.cfg.ExpertCashbackPercent <= 0 || !amount.IsPositive() {
		return nil, false, nil
	}

	cb := repo.CashbackEntry{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		ExpertID:       link.ReferrerID,
		UserID:         userID,
		Amount:         amount.Mul(decimal.NewFromInt(l.cfg.ExpertCashbackPercent)).Div(decimal.NewFromInt(100)),
		OriginalAmount: amount,
		Percent:        l.cfg.ExpertCashbackPercent,
		CreatedAt:      l.now().UTC(),
	}
	err = l.store.InTx(ctx, func(tx repo.Store) error {
		ok, err := tx.InsertCashback(ctx, cb)
		if err != nil || !ok {
			return err
		}
		created = true
		return tx.AddTotals(ctx, cb.ExpertID, decimal.Zero, cb.Amount, cb.CreatedAt)
	})
	if err != nil {
		return nil, false, fmt.Errorf("credit cashback: %w", err)
	}
	if !created {
		existing, err := l.store.GetCashbackByOrder(ctx, orderID)
		if err != nil {
			return nil, false, fmt.Errorf("load cashback: %w", err)
		}
		return existing, false, nil
	}
	if l.metrics != nil {
		l.metrics.Cashbacks.Inc()
	}
	l.logger.Info("expert cashback credited", "order_id", orderID, "expert_id", cb.ExpertID, "amount", cb.Amount.String())
	return &cb, true, nil
}

// Stats is the referral summary shown to a user.
type Stats struct {
	ReferredCount       int             `json:"referredCount"`
	ExpertReferralCount int             `json:"expertReferralCount"`
	ReferredUsers       []string        `json:"referredUsers"`
	ExpertReferrals     []string        `json:"expertReferrals"`
	TotalCashback       decimal.Decimal `json:"totalCashback"`
}

func (l *Ledger) Stats(ctx context.Context, userID string) (*Stats, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("user %s not found", userID))
		}
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	referred, err := l.store.ListReferred(ctx, userID, repo.ReferralUser)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	experts, err := l.store.ListReferred(ctx, userID, repo.ReferralExpert)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	return &Stats{
		ReferredCount:       len(referred),
		ExpertReferralCount: len(experts),
		ReferredUsers:       referred,
		ExpertReferrals:     experts,
		TotalCashback:       user.TotalCashback,
	}, nil
}

// ListCashbacks returns an expert's cashback entries, newest first.
func (l *Ledger) ListCashbacks(ctx context.Context, expertID string) ([]repo.CashbackEntry, error) {
	entries, err := l.store.ListCashbacks(ctx, expertID)
	if err != nil {
		return nil, fmt.Errorf("list cashbacks: %w", err)
	}
	return entries, nil
}

// IsSuspicious reports whether referrerID was ever flagged.
func (l *Ledger) IsSuspicious(ctx context.Context, referrerID string) (bool, error) {
	_, err := l.store.GetSuspicious(ctx, referrerID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get suspicious referrer: %w", err)
	}
	return true, nil
}

// Links are the deep links a user shares to invite friends or clients.
type Links struct {
	User   string `json:"user"`
	Expert string `json:"expert"`
}

func ReferralLinks(botName, userID string) Links {
	base := "https://t.me/" + botName + "?start="
	return Links{User: base + "ref_" + userID, Expert: base + "expert_" + userID}
}
