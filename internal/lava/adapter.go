package lava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/validation"
)

// PaymentRequest starts a card purchase of one package.
type PaymentRequest struct {
	UserID  string          `json:"userId" validate:"required"`
	Email   string          `json:"email" validate:"required,email"`
	Amount  decimal.Decimal `json:"amount"`
	Bank    string          `json:"bank"`
	Package string          `json:"package" validate:"required"`
}

// Adapter turns a package purchase into a Lava invoice plus a pending order.
type Adapter struct {
	client   *Client
	orders   *orders.Service
	packages *catalog.Packages
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdapter(client *Client, orderSvc *orders.Service, packages *catalog.Packages, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		orders:   orderSvc,
		packages: packages,
		logger:   logger.With("component", "lava_adapter"),
		now:      time.Now,
	}
}

// CreatePayment validates the request, issues the invoice and stores the
// order. Nothing is stored when the gateway refuses the invoice.
func (a *Adapter) CreatePayment(ctx context.Context, req PaymentRequest) (*repo.Order, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	bank := strings.TrimSpace(req.Bank)
	if bank == "" {
		bank = catalog.DefaultBank
	}
	currency, ok := catalog.FiatCurrency(bank)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported bank %q", req.Bank))
	}
	pkg, ok := a.packages.Get(catalog.PackageKey(req.Package))
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown package %q", req.Package))
	}
	if pkg.OfferID == "" {
		return nil, apperr.Validation(fmt.Sprintf("package %s has no Lava offer configured", pkg.Key))
	}
	amount := pkg.PriceRUB
	if currency != "RUB" {
		amount = pkg.PriceUSDT
	}
	if !req.Amount.IsZero() && !req.Amount.Equal(amount) {
		return nil, apperr.Validation(fmt.Sprintf("amount %s does not match package price %s %s", req.Amount, amount, currency))
	}

	in := InvoiceRequest{
		Email:         strings.TrimSpace(req.Email),
		OfferID:       pkg.OfferID,
		BuyerLanguage: "RU",
		Currency:      currency,
	}
	inv, err := a.client.CreateInvoice(ctx, in)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return nil, apperr.Wrap(apperr.CodeExternal, err, gwErr.Message)
		}
		return nil, apperr.Wrap(apperr.CodeExternal, err, "lava invoice failed")
	}

	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice input: %w", err)
	}
	now := a.now()
	order, err := a.orders.Create(ctx, repo.Order{
		OrderID:        orders.NewOrderID(orders.KindFiat, now),
		UserID:         req.UserID,
		Package:        string(pkg.Key),
		Amount:         amount,
		Currency:       currency,
		IsFiat:         true,
		ProviderInput:  string(input),
		ProviderOutput: string(inv.Raw),
		Email:          in.Email,
		ProviderRef:    inv.ID,
		PaymentURL:     inv.PaymentURL,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("fiat payment created", "order_id", order.OrderID, "invoice_id", inv.ID, "package", pkg.Key)
	return order, nil
}
