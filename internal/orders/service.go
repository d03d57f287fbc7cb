// Package orders persists purchase orders and flips them to paid exactly once.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/repo"
)

// Kind selects the order id prefix.
type Kind string

const (
	KindFiat   Kind = "FIAT"
	KindCrypto Kind = "CRYPTO"
)

// NewOrderID returns ids such as FIAT-20260301-0123456789.
func NewOrderID(kind Kind, now time.Time) string {
	return fmt.Sprintf("%s-%s-%010d", kind, now.UTC().Format("20060102"), rand.N(int64(10_000_000_000)))
}

// Service wraps order persistence.
type Service struct {
	store  repo.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store repo.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("component", "orders"),
		now:    time.Now,
	}
}

// With returns a copy bound to store.
func (s *Service) With(store repo.Store) *Service {
	cp := *s
	cp.store = store
	return &cp
}

// Create persists a new unpaid order.
func (s *Service) Create(ctx context.Context, order repo.Order) (*repo.Order, error) {
	if order.OrderID == "" || order.UserID == "" {
		return nil, apperr.Validation("order id and user id are required")
	}
	now := s.now().UTC()
	order.IsPaid = false
	order.PaidAt = nil
	order.Email = strings.ToLower(strings.TrimSpace(order.Email))
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if err := s.store.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, apperr.Newf(apperr.CodeConflict, "order %s already exists", order.OrderID)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created", "order_id", order.OrderID, "user_id", order.UserID, "fiat", order.IsFiat)
	return &order, nil
}

// Get returns the order with id.
func (s *Service) Get(ctx context.Context, id string) (*repo.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	return o, mapErr(err, "order "+id)
}

// GetByEmail returns the latest fiat order created for email.
func (s *Service) GetByEmail(ctx context.Context, email string) (*repo.Order, error) {
	o, err := s.store.GetOrderByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	return o, mapErr(err, "order for email "+email)
}

// GetByProviderRef returns the order for a gateway invoice or billing id.
func (s *Service) GetByProviderRef(ctx context.Context, ref string) (*repo.Order, error) {
	o, err := s.store.GetOrderByProviderRef(ctx, ref)
	return o, mapErr(err, "order with reference "+ref)
}

// ListByUser returns a user's orders newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]repo.Order, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	orders, err := s.store.ListOrders(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list user orders: %w", err)
	}
	return orders, nil
}

// ListAll returns up to limit orders across users, newest first.
func (s *Service) ListAll(ctx context.Context, limit int) ([]repo.Order, error) {
	orders, err := s.store.ListOrders(ctx, "", limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Stats aggregates all orders.
func (s *Service) Stats(ctx context.Context) (*repo.OrderStats, error) {
	stats, err := s.store.OrderStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	return stats, nil
}

// MarkAsPaid flips the order to paid. transitioned is true only for the call
// that performed the flip; replays get the stored order and false.
func (s *Service) MarkAsPaid(ctx context.Context, id string) (order *repo.Order, transitioned bool, err error) {
	transitioned, err = s.store.MarkOrderPaid(ctx, id, s.now())
	if err != nil {
		return nil, false, mapErr(err, "order "+id)
	}
	order, err = s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, false, mapErr(err, "order "+id)
	}
	return order, transitioned, nil
}

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	return fmt.Errorf("%s: %w", what, err)
}
