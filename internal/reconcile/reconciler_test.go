package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/logging"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/referral"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/repo/repotest"
)

const secret = "hook-secret"

type recordingNotifier struct {
	mu        sync.Mutex
	payments  []repo.Order
	cashbacks []repo.CashbackEntry
}

func (n *recordingNotifier) PaymentSucceeded(_ context.Context, order repo.Order, _ catalog.Package) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, order)
}

func (n *recordingNotifier) CashbackCredited(_ context.Context, entry repo.CashbackEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cashbacks = append(n.cashbacks, entry)
}

type fixture struct {
	store    *repo.SQLRepository
	orders   *orders.Service
	quota    *quota.Ledger
	referral *referral.Ledger
	notifier *recordingNotifier
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.New(t)
	m := metrics.NewUnregistered()
	packages, err := catalog.NewPackages(nil)
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		orders:   orders.NewService(store, logging.Discard()),
		quota:    quota.NewLedger(store, 1, m, logging.Discard()),
		notifier: &recordingNotifier{},
	}
	f.referral = referral.NewLedger(store, f.quota, referral.Config{Bonus: 1, ExpertCashbackPercent: 10}, m, logging.Discard())
	f.rec = New(store, f.orders, f.quota, f.referral, packages, f.notifier, logging.Discard())
	return f
}

func (f *fixture) fiatOrder(t *testing.T, withExpert bool) {
	t.Helper()
	ctx := context.Background()
	if withExpert {
		_, err := f.quota.EnsureUser(ctx, "expert")
		require.NoError(t, err)
		ok, err := f.referral.ProcessExpertReferral(ctx, "expert", "buyer")
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := f.orders.Create(ctx, repo.Order{
		OrderID: "FIAT-20260301-0000000001", UserID: "buyer", Package: "single",
		Amount: decimal.NewFromInt(500), Currency: "RUB", IsFiat: true,
		Email: "u@x.com", ProviderRef: "INV1",
	})
	require.NoError(t, err)
}

func (f *fixture) handler(provider Provider, guard *cache.IdempotencyGuard) http.Handler {
	return NewWebhookHandler(provider, secret, f.rec, guard, metrics.NewUnregistered(), logging.Discard())
}

func deliver(t *testing.T, h http.Handler, body string, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signed(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	return deliver(t, h, body, Sign([]byte(body), secret))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const fiatSuccess = `{"id":"INV1","status":"success","email":"u@x.com"}`

func TestFiatWebhookFulfilsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, true)

	rec := signed(t, f.handler(ProviderLava, nil), fiatSuccess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	order, err := f.orders.Get(ctx, "FIAT-20260301-0000000001")
	require.NoError(t, err)
	assert.True(t, order.IsPaid)
	require.NotNil(t, order.PaidAt)

	bal, err := f.quota.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Paid)

	buyer, err := f.store.GetUser(ctx, "buyer")
	require.NoError(t, err)
	assert.True(t, buyer.TotalSpent.Equal(decimal.NewFromInt(500)))

	cb, err := f.store.GetCashbackByOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, cb.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "expert", cb.ExpertID)

	require.Len(t, f.notifier.payments, 1)
	require.Len(t, f.notifier.cashbacks, 1)
}

func TestDuplicateDeliveryAnsweredAlreadyPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, true)
	h := f.handler(ProviderLava, nil)

	require.Equal(t, http.StatusOK, signed(t, h, fiatSuccess).Code)
	rec := signed(t, h, fiatSuccess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Already paid", decodeBody(t, rec)["message"])

	bal, err := f.quota.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Paid)
	entries, err := f.referral.ListCashbacks(ctx, "expert")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, f.notifier.payments, 1)
}

func TestConcurrentDuplicateDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, true)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.HandleFiat(ctx, FiatPayload{ID: "INV1", Status: "success", Email: "u@x.com"})
			assert.NoError(t, err)
			if err == nil && out.Result == ResultPaid {
				mu.Lock()
				paid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, paid)
	bal, err := f.quota.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Paid)
	expert, err := f.store.GetUser(ctx, "expert")
	require.NoError(t, err)
	assert.True(t, expert.TotalCashback.Equal(decimal.NewFromInt(50)))
	assert.Len(t, f.notifier.payments, 1)
}

func TestSignatureRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, false)
	h := f.handler(ProviderLava, nil)

	assert.Equal(t, http.StatusForbidden, deliver(t, h, fiatSuccess, "").Code)
	assert.Equal(t, http.StatusForbidden, deliver(t, h, fiatSuccess, Sign([]byte(fiatSuccess), "wrong")).Code)
	tampered := `{"id":"INV1","status":"success","email":"other@x.com"}`
	assert.Equal(t, http.StatusForbidden, deliver(t, h, tampered, Sign([]byte(fiatSuccess), secret)).Code)

	order, err := f.orders.Get(ctx, "FIAT-20260301-0000000001")
	require.NoError(t, err)
	assert.False(t, order.IsPaid)
}

func TestWebhookErrors(t *testing.T) {
	f := newFixture(t)
	f.fiatOrder(t, false)
	h := f.handler(ProviderLava, nil)

	rec := signed(t, h, `{"id":"INV404","status":"success","email":"nobody@x.com"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Order not found", decodeBody(t, rec)["error"])

	assert.Equal(t, http.StatusBadRequest, signed(t, h, `{"id":`).Code)
	assert.Equal(t, http.StatusBadRequest, signed(t, h, `{"status":"success"}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNonSuccessStatusIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, false)

	out, err := f.rec.HandleFiat(ctx, FiatPayload{ID: "INV1", Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)

	order, err := f.orders.Get(ctx, "FIAT-20260301-0000000001")
	require.NoError(t, err)
	assert.False(t, order.IsPaid)
}

func TestFiatFallsBackToEmail(t *testing.T) {
	f := newFixture(t)
	f.fiatOrder(t, false)

	out, err := f.rec.HandleFiat(context.Background(), FiatPayload{ID: "parent-123", Status: "paid", Email: "U@X.com"})
	require.NoError(t, err)
	assert.Equal(t, ResultPaid, out.Result)
	assert.Equal(t, "FIAT-20260301-0000000001", out.Order.OrderID)
	assert.Nil(t, out.Cashback)
}

func TestCryptoWebhookByBillingID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.orders.Create(ctx, repo.Order{
		OrderID: "CRYPTO-20260301-0000000002", UserID: "buyer", Package: "pack3",
		Amount: decimal.NewFromInt(15), Currency: "USDT (TRC20)", ProviderRef: "CRYPTO-20260301-0000000002",
	})
	require.NoError(t, err)
	h := f.handler(ProviderCrypto, nil)

	body := `{"billingID":"CRYPTO-20260301-0000000002","status":"success","clientId":"buyer","amount":15}`
	rec := signed(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)

	bal, err := f.quota.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Paid)

	assert.Equal(t, http.StatusNotFound, signed(t, h, `{"billingID":"CRYPTO-404","status":"success"}`).Code)
}

func TestSpendIsKeptInRoubles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, false)
	_, err := f.orders.Create(ctx, repo.Order{
		OrderID: "CRYPTO-20260301-0000000002", UserID: "buyer", Package: "pack3",
		Amount: decimal.NewFromInt(15), Currency: "USDT (TRC20)",
	})
	require.NoError(t, err)

	_, err = f.rec.HandleFiat(ctx, FiatPayload{ID: "INV1", Status: "paid"})
	require.NoError(t, err)
	_, err = f.rec.HandleCrypto(ctx, CryptoPayload{BillingID: "CRYPTO-20260301-0000000002", Status: "success"})
	require.NoError(t, err)

	buyer, err := f.store.GetUser(ctx, "buyer")
	require.NoError(t, err)
	// 500 RUB card payment plus the 1290 RUB list price of pack3
	assert.True(t, buyer.TotalSpent.Equal(decimal.NewFromInt(1790)), buyer.TotalSpent.String())
}

func TestIdempotencyGuardShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, false)

	mr := miniredis.RunT(t)
	r := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.Discard())
	t.Cleanup(func() { _ = r.Close() })
	guard, err := cache.NewIdempotencyGuard(r, time.Hour, "lava")
	require.NoError(t, err)
	h := f.handler(ProviderLava, guard)

	unknown := `{"id":"INV404","status":"success","email":"nobody@x.com"}`
	assert.Equal(t, http.StatusNotFound, signed(t, h, unknown).Code)
	assert.Equal(t, http.StatusNotFound, signed(t, h, unknown).Code, "failed deliveries are released for retry")

	require.Equal(t, http.StatusOK, signed(t, h, fiatSuccess).Code)
	rec := signed(t, h, fiatSuccess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Already processed", decodeBody(t, rec)["message"])

	bal, err := f.quota.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Paid)
}

func TestFiatCallbackCannotSettleCryptoOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.orders.Create(ctx, repo.Order{
		OrderID: "CRYPTO-1", UserID: "buyer", Package: "pack10",
		Amount: decimal.NewFromInt(45), Currency: "USDT (TRC20)", ProviderRef: "CRYPTO-1",
	})
	require.NoError(t, err)

	_, err = f.rec.HandleFiat(ctx, FiatPayload{ID: "CRYPTO-1", Status: "success"})
	assert.True(t, IsNotFound(err))

	rec := signed(t, f.handler(ProviderLava, nil), `{"id":"CRYPTO-1","status":"success","email":""}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	order, err := f.orders.Get(ctx, "CRYPTO-1")
	require.NoError(t, err)
	assert.False(t, order.IsPaid)
}

func TestCryptoCallbackCannotSettleFiatOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fiatOrder(t, false)

	_, err := f.rec.HandleCrypto(ctx, CryptoPayload{BillingID: "FIAT-20260301-0000000001", Status: "paid"})
	assert.True(t, IsNotFound(err))

	rec := signed(t, f.handler(ProviderCrypto, nil), `{"billingID":"FIAT-20260301-0000000001","status":"success"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	order, err := f.orders.Get(ctx, "FIAT-20260301-0000000001")
	require.NoError(t, err)
	assert.False(t, order.IsPaid)
	_, err = f.quota.Balance(ctx, "buyer")
	assert.True(t, IsNotFound(err), "no quota was credited")
}
