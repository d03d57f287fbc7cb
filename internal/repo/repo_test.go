package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/repo"
	"meemee-bot/internal/repo/repotest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEnsureUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)

	u, created, err := r.EnsureUser(ctx, "u1", 1, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), u.FreeQuota)
	assert.True(t, u.TotalSpent.IsZero())

	u, created, err = r.EnsureUser(ctx, "u1", 5, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), u.FreeQuota)

	_, err = r.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAdjustQuotaNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	_, _, err := r.EnsureUser(ctx, "u1", 1, t0)
	require.NoError(t, err)

	ok, err := r.AdjustQuota(ctx, "u1", repo.BucketFree, -1, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AdjustQuota(ctx, "u1", repo.BucketFree, -1, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.AdjustQuota(ctx, "u1", repo.BucketPaid, 3, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.FreeQuota)
	assert.Equal(t, int64(3), u.PaidQuota)

	ok, err = r.AdjustQuota(ctx, "ghost", repo.BucketPaid, 1, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddTotals(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	_, _, err := r.EnsureUser(ctx, "u1", 0, t0)
	require.NoError(t, err)

	require.NoError(t, r.AddTotals(ctx, "u1", decimal.NewFromInt(500), decimal.Zero, t0))
	require.NoError(t, r.AddTotals(ctx, "u1", decimal.NewFromInt(1290), decimal.NewFromInt(50), t0))

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.TotalSpent.Equal(decimal.NewFromInt(1790)), u.TotalSpent.String())
	assert.True(t, u.TotalCashback.Equal(decimal.NewFromInt(50)))

	err = r.AddTotals(ctx, "ghost", decimal.NewFromInt(1), decimal.Zero, t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestQuotaDebitRefundOnce(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	_, _, err := r.EnsureUser(ctx, "u1", 1, t0)
	require.NoError(t, err)

	require.NoError(t, r.InsertQuotaDebit(ctx, repo.QuotaDebit{ID: "d1", UserID: "u1", Bucket: repo.BucketFree, CreatedAt: t0}))

	ok, err := r.MarkQuotaDebitRefunded(ctx, "d1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkQuotaDebitRefunded(ctx, "d1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := r.GetQuotaDebit(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.RefundedAt)
	assert.True(t, d.RefundedAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, repo.BucketFree, d.Bucket)

	_, err = r.MarkQuotaDebitRefunded(ctx, "missing", t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	_, _, err := r.EnsureUser(ctx, "u1", 0, t0)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = r.InTx(ctx, func(st repo.Store) error {
		if _, err := st.AdjustQuota(ctx, "u1", repo.BucketPaid, 10, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.PaidQuota)
}

func fiatOrder(id, user, email string, at time.Time) repo.Order {
	return repo.Order{
		OrderID:     id,
		UserID:      user,
		Package:     "single",
		Amount:      decimal.NewFromInt(500),
		Currency:    "RUB",
		IsFiat:      true,
		Email:       email,
		ProviderRef: "inv-" + id,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestOrderLookups(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)

	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-1", "u1", "a@b.c", t0)))
	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-2", "u1", "a@b.c", t0.Add(time.Second))))

	err := r.InsertOrder(ctx, fiatOrder("FIAT-1", "u1", "a@b.c", t0))
	assert.ErrorIs(t, err, repo.ErrConflict)

	byEmail, err := r.GetOrderByEmail(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "FIAT-2", byEmail.OrderID)

	byRef, err := r.GetOrderByProviderRef(ctx, "inv-FIAT-1")
	require.NoError(t, err)
	assert.Equal(t, "FIAT-1", byRef.OrderID)
	assert.True(t, byRef.Amount.Equal(decimal.NewFromInt(500)))
	assert.False(t, byRef.IsPaid)
	assert.Nil(t, byRef.PaidAt)

	list, err := r.ListOrders(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "FIAT-2", list[0].OrderID)

	_, err = r.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetOrderByEmail(ctx, "x@y.z")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMarkOrderPaidOnce(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-1", "u1", "a@b.c", t0)))

	ok, err := r.MarkOrderPaid(ctx, "FIAT-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkOrderPaid(ctx, "FIAT-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	o, err := r.GetOrder(ctx, "FIAT-1")
	require.NoError(t, err)
	assert.True(t, o.IsPaid)
	assert.Equal(t, repo.OrderStatusPaid, o.Status())
	require.NotNil(t, o.PaidAt)
	assert.True(t, o.PaidAt.Equal(t0.Add(time.Minute)))

	_, err = r.MarkOrderPaid(ctx, "nope", t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMarkOrderPaidConcurrent(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-1", "u1", "a@b.c", t0)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.MarkOrderPaid(ctx, "FIAT-1", t0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestOrderStats(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-1", "u1", "a@b.c", t0)))
	require.NoError(t, r.InsertOrder(ctx, fiatOrder("FIAT-2", "u2", "d@e.f", t0)))
	crypto := repo.Order{OrderID: "CRYPTO-1", UserID: "u3", Package: "single", Amount: decimal.NewFromInt(6), Currency: "USDT (TRC20)", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, r.InsertOrder(ctx, crypto))
	pending := crypto
	pending.OrderID = "CRYPTO-2"
	require.NoError(t, r.InsertOrder(ctx, pending))

	_, err := r.MarkOrderPaid(ctx, "FIAT-1", t0)
	require.NoError(t, err)
	_, err = r.MarkOrderPaid(ctx, "CRYPTO-1", t0)
	require.NoError(t, err)

	stats, err := r.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Paid)
	assert.Equal(t, int64(2), stats.Unpaid)
	// unpaid orders are left out of the per-rail counts
	assert.Equal(t, int64(1), stats.Fiat)
	assert.Equal(t, int64(1), stats.Crypto)
	assert.True(t, stats.Revenue["RUB"].Equal(decimal.NewFromInt(500)))
	assert.True(t, stats.Revenue["USDT (TRC20)"].Equal(decimal.NewFromInt(6)))
}

func newGeneration(id, user string, at time.Time) repo.Generation {
	return repo.Generation{
		ID: id, UserID: user, MemeID: "birthday_dance", MemeName: "Birthday", Name: "Маша", Gender: "female",
		Prompt: "p", Status: repo.GenerationQueued, CreatedAt: at, UpdatedAt: at,
	}
}

func TestGenerationTransitions(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertGeneration(ctx, newGeneration("GEN-1", "u1", t0)))

	ok, err := r.TransitionGeneration(ctx, "GEN-1", []repo.GenerationStatus{repo.GenerationQueued},
		repo.GenerationUpdate{Status: repo.GenerationProcessing}, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.SetGenerationTask(ctx, "GEN-1", "task-1", t0))

	ok, err = r.TransitionGeneration(ctx, "GEN-1", []repo.GenerationStatus{repo.GenerationProcessing},
		repo.GenerationUpdate{Status: repo.GenerationDone, VideoURL: "https://v/1.mp4", Attempts: 3}, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// terminal jobs never move again
	ok, err = r.TransitionGeneration(ctx, "GEN-1", []repo.GenerationStatus{repo.GenerationQueued, repo.GenerationProcessing},
		repo.GenerationUpdate{Status: repo.GenerationFailed, Error: "late"}, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	g, err := r.GetGeneration(ctx, "GEN-1")
	require.NoError(t, err)
	assert.Equal(t, repo.GenerationDone, g.Status)
	assert.Equal(t, "https://v/1.mp4", g.VideoURL)
	assert.Empty(t, g.Error)
	assert.Equal(t, "task-1", g.TaskID)
	assert.Equal(t, 3, g.Attempts)

	_, err = r.TransitionGeneration(ctx, "GEN-X", []repo.GenerationStatus{repo.GenerationQueued},
		repo.GenerationUpdate{Status: repo.GenerationProcessing}, t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGenerationAttemptsOnlyGrow(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertGeneration(ctx, newGeneration("GEN-1", "u1", t0)))

	require.NoError(t, r.SetGenerationAttempts(ctx, "GEN-1", 4, t0))
	require.NoError(t, r.SetGenerationAttempts(ctx, "GEN-1", 2, t0))
	g, err := r.GetGeneration(ctx, "GEN-1")
	require.NoError(t, err)
	assert.Equal(t, 4, g.Attempts)

	ok, err := r.TransitionGeneration(ctx, "GEN-1", []repo.GenerationStatus{repo.GenerationQueued},
		repo.GenerationUpdate{Status: repo.GenerationFailed, Error: "boom", Attempts: 5}, t0)
	require.NoError(t, err)
	require.True(t, ok)

	// finished jobs keep their final count
	require.NoError(t, r.SetGenerationAttempts(ctx, "GEN-1", 9, t0))
	g, err = r.GetGeneration(ctx, "GEN-1")
	require.NoError(t, err)
	assert.Equal(t, 5, g.Attempts)
}

func TestListGenerationsAndStats(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	require.NoError(t, r.InsertGeneration(ctx, newGeneration("GEN-1", "u1", t0)))
	require.NoError(t, r.InsertGeneration(ctx, newGeneration("GEN-2", "u1", t0.Add(time.Second))))
	require.NoError(t, r.InsertGeneration(ctx, newGeneration("GEN-3", "u2", t0.Add(2*time.Second))))
	_, err := r.TransitionGeneration(ctx, "GEN-3", []repo.GenerationStatus{repo.GenerationQueued},
		repo.GenerationUpdate{Status: repo.GenerationDone, VideoURL: "u"}, t0)
	require.NoError(t, err)

	mine, err := r.ListGenerations(ctx, repo.GenerationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "GEN-2", mine[0].ID)

	pending, err := r.ListGenerations(ctx, repo.GenerationFilter{Statuses: []repo.GenerationStatus{repo.GenerationQueued, repo.GenerationProcessing}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "GEN-1", pending[0].ID)

	stats, err := r.GenerationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[repo.GenerationQueued])
	assert.Equal(t, int64(1), stats.ByStatus[repo.GenerationDone])

	top, err := r.TopMemes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "birthday_dance", top[0].MemeID)
	assert.Equal(t, int64(1), top[0].Count)
}

func TestReferralLinksFirstTouch(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)

	ok, err := r.InsertReferralLink(ctx, repo.ReferralLink{NewUserID: "n1", ReferrerID: "r1", Kind: repo.ReferralUser, CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.InsertReferralLink(ctx, repo.ReferralLink{NewUserID: "n1", ReferrerID: "r2", Kind: repo.ReferralUser, CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	// the expert namespace is independent
	ok, err = r.InsertReferralLink(ctx, repo.ReferralLink{NewUserID: "n1", ReferrerID: "r2", Kind: repo.ReferralExpert, CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	link, err := r.GetReferralLink(ctx, "n1", repo.ReferralUser)
	require.NoError(t, err)
	assert.Equal(t, "r1", link.ReferrerID)

	ids, err := r.ListReferred(ctx, "r2", repo.ReferralExpert)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)

	ids, err = r.ListReferred(ctx, "r2", repo.ReferralUser)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCashbackOncePerOrder(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	entry := repo.CashbackEntry{
		ID: "c1", OrderID: "FIAT-1", ExpertID: "e1", UserID: "u1",
		Amount: decimal.NewFromInt(50), OriginalAmount: decimal.NewFromInt(500), Percent: 10, CreatedAt: t0,
	}
	ok, err := r.InsertCashback(ctx, entry)
	require.NoError(t, err)
	assert.True(t, ok)

	entry.ID = "c2"
	ok, err = r.InsertCashback(ctx, entry)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.GetCashbackByOrder(ctx, "FIAT-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(50)))

	list, err := r.ListCashbacks(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReferralActivityAndSuspicious(t *testing.T) {
	ctx := context.Background()
	r := repotest.New(t)
	for i, day := range []string{"2026-03-01", "2026-03-01", "2026-03-02"} {
		require.NoError(t, r.InsertReferralActivity(ctx, repo.ReferralActivity{
			ID: string(rune('a' + i)), ReferrerID: "r1", NewUserID: "n", Kind: repo.ReferralUser, OccurredAt: t0, Date: day,
		}))
	}
	n, err := r.CountReferralActivities(ctx, "r1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = r.GetSuspicious(ctx, "r1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.UpsertSuspicious(ctx, repo.SuspiciousReferrer{ReferrerID: "r1", Count: 11, FlaggedAt: t0}))
	require.NoError(t, r.UpsertSuspicious(ctx, repo.SuspiciousReferrer{ReferrerID: "r1", Count: 12, FlaggedAt: t0}))
	flag, err := r.GetSuspicious(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), flag.Count)
}
