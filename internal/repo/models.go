package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket names the quota pool a unit was taken from.
type Bucket string

const (
	BucketFree Bucket = "free"
	BucketPaid Bucket = "paid"
)

// User represents the users table row.
type User struct {
	ID            string
	FreeQuota     int64
	PaidQuota     int64
	TotalSpent    decimal.Decimal
	TotalCashback decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QuotaDebit records which bucket a deducted unit came from.
type QuotaDebit struct {
	ID         string
	UserID     string
	Bucket     Bucket
	CreatedAt  time.Time
	RefundedAt *time.Time
}

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
)

// Order represents a row in orders table.
type Order struct {
	OrderID        string
	UserID         string
	Package        string
	Amount         decimal.Decimal
	Currency       string
	IsFiat         bool
	IsPaid         bool
	PaidAt         *time.Time
	ProviderInput  string
	ProviderOutput string
	Email          string
	ProviderRef    string
	PaymentURL     string
	Address        string
	PayAmount      string
	DestinationTag string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Status mirrors IsPaid as a display string.
func (o Order) Status() string {
	if o.IsPaid {
		return OrderStatusPaid
	}
	return OrderStatusPending
}

// OrderStats aggregates every order ever created.
type OrderStats struct {
	Total  int64
	Paid   int64
	Unpaid int64
	// paid orders per payment rail
	Crypto  int64
	Fiat    int64
	Revenue map[string]decimal.Decimal
}

// GenerationStatus is the lifecycle state of a video job.
type GenerationStatus string

const (
	GenerationQueued     GenerationStatus = "queued"
	GenerationProcessing GenerationStatus = "processing"
	GenerationDone       GenerationStatus = "done"
	GenerationFailed     GenerationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationDone || s == GenerationFailed
}

// Generation represents a row in generations table. VideoURL is set only for
// done jobs and Error only for failed ones.
type Generation struct {
	ID        string
	UserID    string
	MemeID    string
	MemeName  string
	Name      string
	Gender    string
	Prompt    string
	Status    GenerationStatus
	VideoURL  string
	Error     string
	DebitID   string
	TaskID    string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GenerationUpdate carries the fields written by a status transition.
type GenerationUpdate struct {
	Status   GenerationStatus
	VideoURL string
	Error    string
	Attempts int
}

// GenerationFilter narrows ListGenerations. Zero values mean no filter.
type GenerationFilter struct {
	UserID   string
	Statuses []GenerationStatus
	Limit    int
}

// GenerationStats counts jobs per status.
type GenerationStats struct {
	Total    int64
	ByStatus map[GenerationStatus]int64
}

// MemeCount is one row of the popular memes ranking.
type MemeCount struct {
	MemeID   string
	MemeName string
	Count    int64
}

// ReferralKind separates the user-referral and expert-referral namespaces.
type ReferralKind string

const (
	ReferralUser   ReferralKind = "user"
	ReferralExpert ReferralKind = "expert"
)

// ReferralLink attributes a new user to the referrer who brought them.
type ReferralLink struct {
	NewUserID  string
	ReferrerID string
	Kind       ReferralKind
	CreatedAt  time.Time
}

// CashbackEntry is an expert reward tied to exactly one order.
type CashbackEntry struct {
	ID             string
	OrderID        string
	ExpertID       string
	UserID         string
	Amount         decimal.Decimal
	OriginalAmount decimal.Decimal
	Percent        int64
	CreatedAt      time.Time
}

// ReferralActivity is one accepted referral, kept for fraud checks.
type ReferralActivity struct {
	ID         string
	ReferrerID string
	NewUserID  string
	Kind       ReferralKind
	OccurredAt time.Time
	// Date is the UTC calendar day, YYYY-MM-DD.
	Date string
}

// SuspiciousReferrer flags a referrer with too many activities in one day.
type SuspiciousReferrer struct {
	ReferrerID string
	Count      int64
	FlaggedAt  time.Time
}
