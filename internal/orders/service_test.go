package orders

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/logging"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/repo/repotest"
)

func TestNewOrderIDFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	assert.Regexp(t, regexp.MustCompile(`^FIAT-20260301-\d{10}$`), NewOrderID(KindFiat, at))
	assert.Regexp(t, regexp.MustCompile(`^CRYPTO-20260301-\d{10}$`), NewOrderID(KindCrypto, at))
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	svc := NewService(repotest.New(t), logging.Discard())

	created, err := svc.Create(ctx, repo.Order{
		OrderID: "FIAT-1", UserID: "u1", Package: "single", Amount: decimal.NewFromInt(500),
		Currency: "RUB", IsFiat: true, IsPaid: true, Email: " Buyer@Mail.RU ", ProviderRef: "inv-1",
	})
	require.NoError(t, err)
	assert.False(t, created.IsPaid)
	assert.Equal(t, "buyer@mail.ru", created.Email)

	o, err := svc.GetByEmail(ctx, "BUYER@mail.ru")
	require.NoError(t, err)
	assert.Equal(t, "FIAT-1", o.OrderID)

	o, err = svc.GetByProviderRef(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "FIAT-1", o.OrderID)

	_, err = svc.Create(ctx, repo.Order{OrderID: "FIAT-1", UserID: "u1", Amount: decimal.NewFromInt(1), Currency: "RUB"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	_, err = svc.Get(ctx, "FIAT-404")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	list, err := svc.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkAsPaidTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(repotest.New(t), logging.Discard())
	_, err := svc.Create(ctx, repo.Order{OrderID: "CRYPTO-1", UserID: "u1", Package: "pack3", Amount: decimal.NewFromInt(15), Currency: "USDT (TRC20)"})
	require.NoError(t, err)

	o, transitioned, err := svc.MarkAsPaid(ctx, "CRYPTO-1")
	require.NoError(t, err)
	assert.True(t, transitioned)
	require.NotNil(t, o.PaidAt)
	first := *o.PaidAt

	o, transitioned, err = svc.MarkAsPaid(ctx, "CRYPTO-1")
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.True(t, o.PaidAt.Equal(first))

	_, _, err = svc.MarkAsPaid(ctx, "CRYPTO-404")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Paid)
}
