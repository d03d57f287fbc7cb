package httpserver

import (
	"time"

	"github.com/shopspring/decimal"

	"meemee-bot/internal/generation"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/referral"
	"meemee-bot/internal/repo"
)

type orderView struct {
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Package        string          `json:"package"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IsFiat         bool            `json:"isFiat"`
	Status         string          `json:"status"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	PaymentURL     string          `json:"paymentUrl,omitempty"`
	Address        string          `json:"address,omitempty"`
	PayAmount      string          `json:"payAmount,omitempty"`
	DestinationTag string          `json:"destinationTag,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func newOrderView(o *repo.Order) orderView {
	return orderView{
		OrderID:        o.OrderID,
		UserID:         o.UserID,
		Package:        o.Package,
		Amount:         o.Amount,
		Currency:       o.Currency,
		IsFiat:         o.IsFiat,
		Status:         o.Status(),
		PaidAt:         o.PaidAt,
		PaymentURL:     o.PaymentURL,
		Address:        o.Address,
		PayAmount:      o.PayAmount,
		DestinationTag: o.DestinationTag,
		CreatedAt:      o.CreatedAt,
	}
}

func orderViews(list []repo.Order) []orderView {
	views := make([]orderView, 0, len(list))
	for i := range list {
		views = append(views, newOrderView(&list[i]))
	}
	return views
}

type generationView struct {
	ID        string                `json:"id"`
	UserID    string                `json:"userId"`
	MemeID    string                `json:"memeId"`
	MemeName  string                `json:"memeName"`
	Name      string                `json:"name"`
	Status    repo.GenerationStatus `json:"status"`
	VideoURL  string                `json:"videoUrl,omitempty"`
	Error     string                `json:"error,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

func newGenerationView(g *repo.Generation) generationView {
	return generationView{
		ID:        g.ID,
		UserID:    g.UserID,
		MemeID:    g.MemeID,
		MemeName:  g.MemeName,
		Name:      g.Name,
		Status:    g.Status,
		VideoURL:  g.VideoURL,
		Error:     g.Error,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

type userView struct {
	ID         string          `json:"id"`
	FreeQuota  int64           `json:"freeQuota"`
	PaidQuota  int64           `json:"paidQuota"`
	TotalQuota int64           `json:"totalQuota"`
	Referrals  *referral.Stats `json:"referrals"`
	Links      referral.Links  `json:"links"`
}

func newUserView(id string, bal quota.Balance, stats *referral.Stats, links referral.Links) userView {
	return userView{
		ID:         id,
		FreeQuota:  bal.Free,
		PaidQuota:  bal.Paid,
		TotalQuota: bal.Total(),
		Referrals:  stats,
		Links:      links,
	}
}

type orderStatsView struct {
	Total   int64                      `json:"total"`
	Paid    int64                      `json:"paid"`
	Unpaid  int64                      `json:"unpaid"`
	Crypto  int64                      `json:"crypto"`
	Fiat    int64                      `json:"fiat"`
	Revenue map[string]decimal.Decimal `json:"revenue"`
}

type memeCountView struct {
	MemeID   string `json:"memeId"`
	MemeName string `json:"memeName"`
	Count    int64  `json:"count"`
}

type statsView struct {
	Orders      orderStatsView    `json:"orders"`
	Generations *generation.Stats `json:"generations"`
	TopMemes    []memeCountView   `json:"topMemes"`
}

func newStatsView(o *repo.OrderStats, g *generation.Stats, top []repo.MemeCount) statsView {
	view := statsView{
		Orders: orderStatsView{
			Total:   o.Total,
			Paid:    o.Paid,
			Unpaid:  o.Unpaid,
			Crypto:  o.Crypto,
			Fiat:    o.Fiat,
			Revenue: o.Revenue,
		},
		Generations: g,
		TopMemes:    make([]memeCountView, 0, len(top)),
	}
	for _, mc := range top {
		view.TopMemes = append(view.TopMemes, memeCountView{MemeID: mc.MemeID, MemeName: mc.MemeName, Count: mc.Count})
	}
	return view
}
