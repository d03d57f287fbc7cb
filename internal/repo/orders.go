package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, user_id, package, amount, currency, is_fiat, is_paid, paid_at,
provider_input, provider_output, email, provider_ref, payment_url, address, pay_amount, destination_tag,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o      Order
		paidAt sql.NullTime
	)
	err := row.Scan(&o.OrderID, &o.UserID, &o.Package, &o.Amount, &o.Currency, &o.IsFiat, &o.IsPaid, &paidAt,
		&o.ProviderInput, &o.ProviderOutput, &o.Email, &o.ProviderRef, &o.PaymentURL, &o.Address, &o.PayAmount, &o.DestinationTag,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return &o, nil
}

// InsertOrder creates a new order record. Fiat orders with an email also
// replace the email lookup entry.
func (s *SQLStore) InsertOrder(ctx context.Context, order Order) error {
	const q = `
INSERT INTO orders (order_id, user_id, package, amount, currency, is_fiat, is_paid, paid_at,
    provider_input, provider_output, email, provider_ref, payment_url, address, pay_amount, destination_tag,
    created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_id) DO NOTHING;
`
	var paidAt any
	if order.PaidAt != nil {
		paidAt = order.PaidAt.UTC()
	}
	return s.InTx(ctx, func(st Store) error {
		tx := st.(*SQLStore)
		res, err := tx.exec(ctx, q,
			order.OrderID, order.UserID, order.Package, order.Amount, order.Currency, order.IsFiat, order.IsPaid, paidAt,
			order.ProviderInput, order.ProviderOutput, order.Email, order.ProviderRef, order.PaymentURL,
			order.Address, order.PayAmount, order.DestinationTag,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("insert order %s: %w", order.OrderID, ErrConflict)
		}
		if !order.IsFiat || order.Email == "" {
			return nil
		}
		const emailQ = `
INSERT INTO email_orders (email, order_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (email) DO UPDATE SET order_id = excluded.order_id, updated_at = excluded.updated_at;
`
		if _, err := tx.exec(ctx, emailQ, order.Email, order.OrderID, order.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("index order email: %w", err)
		}
		return nil
	})
}

// GetOrder returns the order or ErrNotFound.
func (s *SQLStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, notFound(err))
	}
	return o, nil
}

// GetOrderByEmail resolves the most recent fiat order created for email.
func (s *SQLStore) GetOrderByEmail(ctx context.Context, email string) (*Order, error) {
	var id string
	if err := s.queryRow(ctx, `SELECT order_id FROM email_orders WHERE email = ?`, email).Scan(&id); err != nil {
		return nil, fmt.Errorf("get order by email: %w", notFound(err))
	}
	return s.GetOrder(ctx, id)
}

// GetOrderByProviderRef resolves an order by the gateway's reference.
func (s *SQLStore) GetOrderByProviderRef(ctx context.Context, ref string) (*Order, error) {
	if ref == "" {
		return nil, fmt.Errorf("get order by provider ref: %w", ErrNotFound)
	}
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE provider_ref = ? ORDER BY created_at DESC, order_id DESC LIMIT 1`
	o, err := scanOrder(s.queryRow(ctx, q, ref))
	if err != nil {
		return nil, fmt.Errorf("get order by provider ref: %w", notFound(err))
	}
	return o, nil
}

// ListOrders returns orders newest first. An empty userID lists every order.
func (s *SQLStore) ListOrders(ctx context.Context, userID string, limit int) ([]Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, order_id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// MarkOrderPaid flips is_paid once. False means the order was already paid.
func (s *SQLStore) MarkOrderPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.exec(ctx, `UPDATE orders SET is_paid = TRUE, paid_at = ?, updated_at = ? WHERE order_id = ? AND is_paid = FALSE`, now, now, id)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// OrderStats summarises all orders. The per-rail counts and the revenue,
// grouped by currency, cover paid orders only.
func (s *SQLStore) OrderStats(ctx context.Context) (*OrderStats, error) {
	stats := &OrderStats{Revenue: map[string]decimal.Decimal{}}
	const countQ = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN is_paid THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN is_paid AND is_fiat THEN 1 ELSE 0 END), 0)
FROM orders;
`
	if err := s.queryRow(ctx, countQ).Scan(&stats.Total, &stats.Paid, &stats.Fiat); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	stats.Unpaid = stats.Total - stats.Paid
	stats.Crypto = stats.Paid - stats.Fiat

	// Summed in Go so SQLite's REAL arithmetic never touches money.
	rows, err := s.query(ctx, `SELECT currency, amount FROM orders WHERE is_paid = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("order revenue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			currency string
			amount   decimal.Decimal
		)
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, fmt.Errorf("scan revenue: %w", err)
		}
		stats.Revenue[currency] = stats.Revenue[currency].Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revenue: %w", err)
	}
	return stats, nil
}
