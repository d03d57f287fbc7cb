// Package reconcile turns payment provider notifications into paid orders
// and their side effects: paid quota, spend totals and expert cashback.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/referral"
	"meemee-bot/internal/repo"
)

// Result describes what a notification did.
type Result string

const (
	ResultPaid        Result = "paid"
	ResultAlreadyPaid Result = "already_paid"
	ResultIgnored     Result = "ignored"
)

// FiatPayload is the Lava callback body.
type FiatPayload struct {
	ID     string `json:"id" validate:"required"`
	Status string `json:"status" validate:"required"`
	Email  string `json:"email"`
}

// CryptoPayload is the 0xProcessing callback body.
type CryptoPayload struct {
	BillingID string `json:"billingID" validate:"required"`
	Status    string `json:"status" validate:"required"`
	ClientID  string `json:"clientId"`
}

// Outcome is the reconciliation result for one notification.
type Outcome struct {
	Result   Result
	Order    *repo.Order
	Cashback *repo.CashbackEntry
}

// Notifier receives purchase events after they are committed.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, order repo.Order, pkg catalog.Package)
	CashbackCredited(ctx context.Context, entry repo.CashbackEntry)
}

// Reconciler applies payment notifications.
type Reconciler struct {
	store    repo.Store
	orders   *orders.Service
	quota    *quota.Ledger
	referral *referral.Ledger
	packages *catalog.Packages
	notifier Notifier
	logger   *slog.Logger
}

func New(store repo.Store, orderSvc *orders.Service, quotaLedger *quota.Ledger, referralLedger *referral.Ledger, packages *catalog.Packages, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		orders:   orderSvc,
		quota:    quotaLedger,
		referral: referralLedger,
		packages: packages,
		notifier: notifier,
		logger:   logger.With("component", "reconciler"),
	}
}

func paidStatus(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "success" || s == "paid"
}

// HandleFiat resolves the order by invoice id, falling back to the buyer
// email, and fulfils it on a success status. Crypto orders are never
// reachable from this path.
func (r *Reconciler) HandleFiat(ctx context.Context, p FiatPayload) (*Outcome, error) {
	order, err := r.orders.GetByProviderRef(ctx, p.ID)
	order, err = onRail(order, err, true, p.ID)
	if apperr.Is(err, apperr.CodeNotFound) && strings.TrimSpace(p.Email) != "" {
		order, err = r.orders.GetByEmail(ctx, p.Email)
		order, err = onRail(order, err, true, p.Email)
	}
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, order, p.Status)
}

// HandleCrypto resolves the order by billing id, which is the order id. Card
// orders are never reachable from this path.
func (r *Reconciler) HandleCrypto(ctx context.Context, p CryptoPayload) (*Outcome, error) {
	order, err := r.orders.Get(ctx, p.BillingID)
	order, err = onRail(order, err, false, p.BillingID)
	if err != nil {
		return nil, err
	}
	if p.ClientID != "" && p.ClientID != order.UserID {
		r.logger.Warn("crypto callback client differs from order owner", "order_id", order.OrderID, "client_id", p.ClientID, "user_id", order.UserID)
	}
	return r.apply(ctx, order, p.Status)
}

// spentRUB is the order value counted towards a user's lifetime spend, which
// is kept in roubles. Crypto orders count at the package's rouble price.
func spentRUB(order *repo.Order, pkg catalog.Package) decimal.Decimal {
	if order.IsFiat {
		return order.Amount
	}
	return pkg.PriceRUB
}

// onRail hides an order that belongs to the other payment rail behind a
// NotFound, so one provider cannot settle the other's orders.
func onRail(order *repo.Order, err error, fiat bool, ref string) (*repo.Order, error) {
	if err != nil {
		return nil, err
	}
	if order.IsFiat != fiat {
		return nil, apperr.NotFound(fmt.Sprintf("order %s not found", ref))
	}
	return order, nil
}

func (r *Reconciler) apply(ctx context.Context, order *repo.Order, status string) (*Outcome, error) {
	if order.IsPaid {
		r.logger.Info("order already paid", "order_id", order.OrderID)
		return &Outcome{Result: ResultAlreadyPaid, Order: order}, nil
	}
	if !paidStatus(status) {
		r.logger.Info("payment status acknowledged", "order_id", order.OrderID, "status", status)
		return &Outcome{Result: ResultIgnored, Order: order}, nil
	}
	return r.Fulfil(ctx, order.OrderID)
}

// Fulfil marks the order paid and applies its side effects in one
// transaction. Only the call that flips the order credits anything;
// notifications go out after commit.
func (r *Reconciler) Fulfil(ctx context.Context, orderID string) (*Outcome, error) {
	var (
		out = &Outcome{}
		pkg catalog.Package
	)
	err := r.store.InTx(ctx, func(tx repo.Store) error {
		order, transitioned, err := r.orders.With(tx).MarkAsPaid(ctx, orderID)
		if err != nil {
			return err
		}
		out.Order = order
		if !transitioned {
			out.Result = ResultAlreadyPaid
			return nil
		}

		var ok bool
		pkg, ok = r.packages.Get(catalog.PackageKey(order.Package))
		if !ok {
			return fmt.Errorf("order %s references unknown package %q", order.OrderID, order.Package)
		}
		ledger := r.quota.With(tx)
		if _, err := ledger.EnsureUser(ctx, order.UserID); err != nil {
			return err
		}
		if err := ledger.AddPaid(ctx, order.UserID, pkg.Generations); err != nil {
			return fmt.Errorf("credit paid quota: %w", err)
		}
		if err := tx.AddTotals(ctx, order.UserID, spentRUB(order, pkg), decimal.Zero, *order.PaidAt); err != nil {
			return fmt.Errorf("add spend: %w", err)
		}
		entry, created, err := r.referral.With(tx).ProcessExpertCashback(ctx, order.OrderID, order.UserID, order.Amount)
		if err != nil {
			return err
		}
		if created {
			out.Cashback = entry
		}
		out.Result = ResultPaid
		return nil
	})
	if err != nil {
		if apperr.As(err) != nil {
			return nil, err
		}
		return nil, fmt.Errorf("fulfil order %s: %w", orderID, err)
	}

	if out.Result != ResultPaid {
		r.logger.Info("order already paid", "order_id", orderID)
		return out, nil
	}
	r.logger.Info("order fulfilled", "order_id", orderID, "user_id", out.Order.UserID,
		"package", out.Order.Package, "generations", pkg.Generations)
	if r.notifier != nil {
		notifyCtx := context.WithoutCancel(ctx)
		r.notifier.PaymentSucceeded(notifyCtx, *out.Order, pkg)
		if out.Cashback != nil {
			r.notifier.CashbackCredited(notifyCtx, *out.Cashback)
		}
	}
	return out, nil
}

// IsNotFound reports whether err means the notification named no known order.
func IsNotFound(err error) bool {
	return apperr.Is(err, apperr.CodeNotFound) || errors.Is(err, repo.ErrNotFound)
}
