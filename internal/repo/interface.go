package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("record already exists")
)

// Store defines the persistence operations shared by the ledgers. A Store
// handed to an InTx callback is bound to that transaction.
type Store interface {
	// Users
	EnsureUser(ctx context.Context, id string, freeQuota int64, now time.Time) (*User, bool, error)
	GetUser(ctx context.Context, id string) (*User, error)
	AdjustQuota(ctx context.Context, userID string, bucket Bucket, delta int64, now time.Time) (bool, error)
	AddTotals(ctx context.Context, userID string, spent, cashback decimal.Decimal, now time.Time) error

	// Quota debits
	InsertQuotaDebit(ctx context.Context, debit QuotaDebit) error
	GetQuotaDebit(ctx context.Context, id string) (*QuotaDebit, error)
	MarkQuotaDebitRefunded(ctx context.Context, id string, now time.Time) (bool, error)

	// Orders
	InsertOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByEmail(ctx context.Context, email string) (*Order, error)
	GetOrderByProviderRef(ctx context.Context, ref string) (*Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	MarkOrderPaid(ctx context.Context, id string, now time.Time) (bool, error)
	OrderStats(ctx context.Context) (*OrderStats, error)

	// Generations
	InsertGeneration(ctx context.Context, gen Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]Generation, error)
	TransitionGeneration(ctx context.Context, id string, from []GenerationStatus, upd GenerationUpdate, now time.Time) (bool, error)
	SetGenerationTask(ctx context.Context, id, taskID string, now time.Time) error
	SetGenerationAttempts(ctx context.Context, id string, attempts int, now time.Time) error
	GenerationStats(ctx context.Context) (*GenerationStats, error)
	TopMemes(ctx context.Context, limit int) ([]MemeCount, error)

	// Referrals
	InsertReferralLink(ctx context.Context, link ReferralLink) (bool, error)
	GetReferralLink(ctx context.Context, newUserID string, kind ReferralKind) (*ReferralLink, error)
	ListReferred(ctx context.Context, referrerID string, kind ReferralKind) ([]string, error)
	InsertCashback(ctx context.Context, entry CashbackEntry) (bool, error)
	GetCashbackByOrder(ctx context.Context, orderID string) (*CashbackEntry, error)
	ListCashbacks(ctx context.Context, expertID string) ([]CashbackEntry, error)
	InsertReferralActivity(ctx context.Context, activity ReferralActivity) error
	CountReferralActivities(ctx context.Context, referrerID, date string) (int64, error)
	UpsertSuspicious(ctx context.Context, flag SuspiciousReferrer) error
	GetSuspicious(ctx context.Context, referrerID string) (*SuspiciousReferrer, error)

	// InTx runs fn inside one database transaction. Nested calls reuse the
	// outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}

// Repository is a Store that owns its connection.
type Repository interface {
	Store

	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}
