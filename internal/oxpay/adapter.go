package oxpay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/validation"
)

// MinAmountMessage is shown to users whose package price is below the
// network minimum.
const MinAmountMessage = "Сумма оплаты слишком мала для этой сети. Попробуйте другую."

// PaymentRequest starts a crypto purchase of one package.
type PaymentRequest struct {
	UserID      string          `json:"userId" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	PayCurrency string          `json:"payCurrency" validate:"required"`
	Package     string          `json:"package" validate:"required"`
}

// Adapter turns a package purchase into a crypto deposit plus a pending order.
type Adapter struct {
	client       *Client
	orders       *orders.Service
	packages     *catalog.Packages
	contactEmail string
	logger       *slog.Logger
	now          func() time.Time
}

func NewAdapter(client *Client, orderSvc *orders.Service, packages *catalog.Packages, contactEmail string, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:       client,
		orders:       orderSvc,
		packages:     packages,
		contactEmail: contactEmail,
		logger:       logger.With("component", "oxprocessing_adapter"),
		now:          time.Now,
	}
}

type paymentInput struct {
	MerchantID string `json:"merchantID"`
	BillingID  string `json:"billingID"`
	Currency   string `json:"currency"`
	Email      string `json:"email"`
	ClientID   string `json:"clientId"`
	AmountUSD  string `json:"amountUSD"`
	Amount     string `json:"amount"`
	Package    string `json:"package"`
	CreatedAt  string `json:"createdAt"`
}

// PayAmount converts a USD price into the on-chain amount. Stable coins are
// pegged one to one; other coins are divided by rate. The result is rounded
// to five decimal places.
func PayAmount(asset catalog.CryptoAsset, usd, rate decimal.Decimal) (decimal.Decimal, error) {
	if asset.Stable {
		return usd.Round(5), nil
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("no exchange rate for %s", asset.Code)
	}
	return usd.DivRound(rate, 5), nil
}

// CreatePayment opens a deposit and stores the order unless the converted
// amount is below the network minimum.
func (a *Adapter) CreatePayment(ctx context.Context, req PaymentRequest) (*repo.Order, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	asset, ok := catalog.LookupCrypto(req.PayCurrency)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported currency %q", req.PayCurrency))
	}
	pkg, ok := a.packages.Get(catalog.PackageKey(req.Package))
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown package %q", req.Package))
	}
	usd := pkg.PriceUSDT
	if !req.Amount.IsZero() && !req.Amount.Equal(usd) {
		return nil, apperr.Validation(fmt.Sprintf("amount %s does not match package price %s USDT", req.Amount, usd))
	}

	now := a.now()
	orderID := orders.NewOrderID(orders.KindCrypto, now)
	deposit, err := a.client.CreateDeposit(ctx, DepositRequest{
		BillingID: orderID,
		Currency:  asset.Code,
		Email:     a.contactEmail,
		ClientID:  req.UserID,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternal, err, "crypto payment failed")
	}

	amount, err := PayAmount(asset, usd, deposit.Rate)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternal, err, "crypto payment failed")
	}
	minimum, err := a.client.MinAmount(ctx, asset.Code)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternal, err, "crypto minimum lookup failed")
	}
	if amount.LessThan(minimum) {
		a.logger.Info("crypto amount below minimum", "currency", asset.Code, "amount", amount.String(), "min", minimum.String())
		return nil, apperr.Validation(MinAmountMessage)
	}

	input, err := json.Marshal(paymentInput{
		MerchantID: a.client.merchant,
		BillingID:  orderID,
		Currency:   asset.Code,
		Email:      a.contactEmail,
		ClientID:   req.UserID,
		AmountUSD:  usd.String(),
		Amount:     amount.StringFixed(5),
		Package:    string(pkg.Key),
		CreatedAt:  now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payment input: %w", err)
	}
	order, err := a.orders.Create(ctx, repo.Order{
		OrderID:        orderID,
		UserID:         req.UserID,
		Package:        string(pkg.Key),
		Amount:         usd,
		Currency:       asset.Code,
		IsFiat:         false,
		ProviderInput:  string(input),
		ProviderOutput: string(deposit.Raw),
		ProviderRef:    orderID,
		PaymentURL:     deposit.RedirectURL,
		Address:        deposit.Address,
		PayAmount:      amount.StringFixed(5),
		DestinationTag: deposit.DestinationTag,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("crypto payment created", "order_id", order.OrderID, "currency", asset.Code, "pay_amount", order.PayAmount)
	return order, nil
}
