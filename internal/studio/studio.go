// Package studio couples quota with generation jobs and tells users what
// happened to their purchases and videos.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/catalog"
	"meemee-bot/internal/generation"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/repo"
)

// ErrNoQuota is returned when the user has no generations left.
var ErrNoQuota = apperr.New(apperr.CodeConflict, "Недостаточно генераций")

const (
	msgGenerationDone   = "🎉 Ваше видео готово!\n\nСсылка на видео: %s"
	msgGenerationFailed = "😔 Не удалось создать видео. Генерация возвращена на ваш баланс."
	msgPaymentSucceeded = "✅ Оплата прошла успешно! Начислено генераций: %d (%s)."
	msgCashback         = "💰 Вам начислен кешбэк %s (%d%% от оплаты %s)."
)

// Notifier delivers a text message to a user.
type Notifier interface {
	SendText(ctx context.Context, userID, text string) error
}

// Studio runs the generate and purchase flows.
type Studio struct {
	quota    *quota.Ledger
	gens     *generation.Service
	notifier Notifier
	logger   *slog.Logger
}

func New(quotaLedger *quota.Ledger, gens *generation.Service, notifier Notifier, logger *slog.Logger) *Studio {
	return &Studio{
		quota:    quotaLedger,
		gens:     gens,
		notifier: notifier,
		logger:   logger.With("component", "studio"),
	}
}

// Generate spends one unit of quota and queues the job. The unit is returned
// when the job cannot be created.
func (s *Studio) Generate(ctx context.Context, req generation.CreateRequest) (*repo.Generation, error) {
	debit, ok, err := s.quota.Deduct(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoQuota
	}
	req.DebitID = debit.ID

	gen, err := s.gens.Create(ctx, req)
	if err != nil {
		if _, rerr := s.quota.Refund(context.WithoutCancel(ctx), debit.ID); rerr != nil {
			s.logger.Error("refund after failed create", "debit_id", debit.ID, "error", rerr)
		}
		return nil, err
	}
	return gen, nil
}

// GenerateAndWait runs Generate and waits up to wait for the result. When the
// job outlives the wait the queued record is returned with
// generation.ErrStillRunning; the video is delivered later by OnTerminal.
func (s *Studio) GenerateAndWait(ctx context.Context, req generation.CreateRequest, wait time.Duration) (*repo.Generation, error) {
	gen, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	final, err := s.gens.Await(ctx, gen.ID, wait)
	if err != nil {
		if errors.Is(err, generation.ErrStillRunning) && final != nil {
			return final, err
		}
		return gen, err
	}
	return final, nil
}

// OnTerminal refunds failed jobs and notifies the owner.
func (s *Studio) OnTerminal(ctx context.Context, gen repo.Generation) {
	switch gen.Status {
	case repo.GenerationDone:
		s.notify(ctx, gen.UserID, "generation_done", fmt.Sprintf(msgGenerationDone, gen.VideoURL))
	case repo.GenerationFailed:
		if gen.DebitID != "" {
			refunded, err := s.quota.Refund(ctx, gen.DebitID)
			if err != nil {
				s.logger.Error("refund failed generation", "generation_id", gen.ID, "debit_id", gen.DebitID, "error", err)
			} else if refunded {
				s.logger.Info("quota refunded", "generation_id", gen.ID, "user_id", gen.UserID)
			}
		}
		s.notify(ctx, gen.UserID, "generation_failed", msgGenerationFailed)
	}
}

// PaymentSucceeded tells the buyer their quota was credited.
func (s *Studio) PaymentSucceeded(ctx context.Context, order repo.Order, pkg catalog.Package) {
	s.notify(ctx, order.UserID, "payment", fmt.Sprintf(msgPaymentSucceeded, pkg.Generations, pkg.Title))
}

// CashbackCredited tells an expert about new cashback.
func (s *Studio) CashbackCredited(ctx context.Context, entry repo.CashbackEntry) {
	s.notify(ctx, entry.ExpertID, "cashback", fmt.Sprintf(msgCashback,
		entry.Amount.String(), entry.Percent, entry.OriginalAmount.String()))
}

func (s *Studio) notify(ctx context.Context, userID, kind, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendText(ctx, userID, text); err != nil {
		s.logger.Warn("notification failed", "user_id", userID, "type", kind, "error", err)
	}
}

// LogNotifier writes notifications to the log. It stands in when no
// messaging transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) SendText(_ context.Context, userID, text string) error {
	n.logger.Info("notification", "user_id", userID, "text", text)
	return nil
}
