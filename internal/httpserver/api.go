package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"meemee-bot/internal/apperr"
	"meemee-bot/internal/generation"
	"meemee-bot/internal/lava"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/orders"
	"meemee-bot/internal/oxpay"
	"meemee-bot/internal/quota"
	"meemee-bot/internal/referral"
	"meemee-bot/internal/repo"
	"meemee-bot/internal/studio"
	"meemee-bot/internal/validation"
)

// APIKeyHeader carries the shared secret of the service API.
const APIKeyHeader = "X-API-Key"

// FiatPayments issues card invoices.
type FiatPayments interface {
	CreatePayment(ctx context.Context, req lava.PaymentRequest) (*repo.Order, error)
}

// CryptoPayments issues crypto deposits.
type CryptoPayments interface {
	CreatePayment(ctx context.Context, req oxpay.PaymentRequest) (*repo.Order, error)
}

// APIConfig wires the service API used by the chat front-end.
type APIConfig struct {
	Key      string
	BotName  string
	MaxWait  time.Duration
	Fiat     FiatPayments
	Crypto   CryptoPayments
	Orders   *orders.Service
	Quota    *quota.Ledger
	Referral *referral.Ledger
	Gens     *generation.Service
	Studio   *studio.Studio
	Metrics  *metrics.Metrics
}

// API serves the /api routes.
type API struct {
	cfg    APIConfig
	logger *slog.Logger
}

func NewAPI(cfg APIConfig, logger *slog.Logger) *API {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 3 * time.Minute
	}
	return &API{cfg: cfg, logger: logger.With("component", "api")}
}

// Routes returns the API router. Every route requires the API key.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requireKey)

	r.Post("/payments/fiat", a.createFiatPayment)
	r.Post("/payments/crypto", a.createCryptoPayment)
	r.Get("/orders", a.listOrders)
	r.Get("/orders/{id}", a.getOrder)

	r.Post("/generations", a.createGeneration)
	r.Get("/generations/{id}", a.getGeneration)

	r.Post("/referrals/user", a.userReferral)
	r.Post("/referrals/expert", a.expertReferral)

	r.Post("/users", a.ensureUser)
	r.Get("/users/{id}", a.getUser)
	r.Get("/users/{id}/orders", a.listUserOrders)
	r.Get("/users/{id}/generations", a.listUserGenerations)
	r.Get("/users/{id}/cashbacks", a.listCashbacks)

	r.Get("/stats", a.stats)
	return r
}

func (a *API) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(APIKeyHeader)
		if a.cfg.Key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.Key)) != 1 {
			a.fail(w, r, apperr.New(apperr.CodeAuthentication, "invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, a.logger, a.cfg.Metrics, err)
}

func (a *API) createFiatPayment(w http.ResponseWriter, r *http.Request) {
	var req lava.PaymentRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	order, err := a.cfg.Fiat.CreatePayment(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newOrderView(order))
}

func (a *API) createCryptoPayment(w http.ResponseWriter, r *http.Request) {
	var req oxpay.PaymentRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	order, err := a.cfg.Crypto.CreatePayment(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newOrderView(order))
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.cfg.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newOrderView(order))
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := a.cfg.Orders.ListAll(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, orderViews(list))
}

type generationRequest struct {
	generation.CreateRequest
	// Wait is how many seconds the caller is willing to block for the
	// video. Zero queues the job and returns at once.
	Wait int `json:"wait" validate:"gte=0"`
}

func (a *API) createGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	if req.Wait == 0 {
		gen, err := a.cfg.Studio.Generate(r.Context(), req.CreateRequest)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeSuccess(w, http.StatusAccepted, newGenerationView(gen))
		return
	}

	wait := time.Duration(req.Wait) * time.Second
	if wait > a.cfg.MaxWait {
		wait = a.cfg.MaxWait
	}
	gen, err := a.cfg.Studio.GenerateAndWait(r.Context(), req.CreateRequest, wait)
	switch {
	case errors.Is(err, generation.ErrStillRunning) && gen != nil:
		writeSuccess(w, http.StatusAccepted, newGenerationView(gen))
	case err != nil:
		a.fail(w, r, err)
	default:
		writeSuccess(w, http.StatusOK, newGenerationView(gen))
	}
}

func (a *API) getGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := a.cfg.Gens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newGenerationView(gen))
}

type referralRequest struct {
	ReferrerID string `json:"referrerId" validate:"required"`
	NewUserID  string `json:"newUserId" validate:"required"`
}

type referralResult struct {
	Accepted bool `json:"accepted"`
}

func (a *API) userReferral(w http.ResponseWriter, r *http.Request) {
	a.referral(w, r, a.cfg.Referral.ProcessUserReferral)
}

func (a *API) expertReferral(w http.ResponseWriter, r *http.Request) {
	a.referral(w, r, a.cfg.Referral.ProcessExpertReferral)
}

func (a *API) referral(w http.ResponseWriter, r *http.Request, process func(ctx context.Context, referrerID, newUserID string) (bool, error)) {
	var req referralRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	accepted, err := process(r.Context(), req.ReferrerID, req.NewUserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, referralResult{Accepted: accepted})
}

type ensureUserRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (a *API) ensureUser(w http.ResponseWriter, r *http.Request) {
	var req ensureUserRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.cfg.Quota.EnsureUser(r.Context(), req.UserID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeUser(w, r, req.UserID)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	a.writeUser(w, r, chi.URLParam(r, "id"))
}

func (a *API) writeUser(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	bal, err := a.cfg.Quota.Balance(ctx, userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.cfg.Referral.Stats(ctx, userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newUserView(userID, bal, stats, referral.ReferralLinks(a.cfg.BotName, userID)))
}

func (a *API) listUserOrders(w http.ResponseWriter, r *http.Request) {
	list, err := a.cfg.Orders.ListByUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, orderViews(list))
}

func (a *API) listUserGenerations(w http.ResponseWriter, r *http.Request) {
	list, err := a.cfg.Gens.ListByUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	views := make([]generationView, 0, len(list))
	for i := range list {
		views = append(views, newGenerationView(&list[i]))
	}
	writeSuccess(w, http.StatusOK, views)
}

type cashbackView struct {
	OrderID        string    `json:"orderId"`
	UserID         string    `json:"userId"`
	Amount         string    `json:"amount"`
	OriginalAmount string    `json:"originalAmount"`
	Percent        int64     `json:"percent"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (a *API) listCashbacks(w http.ResponseWriter, r *http.Request) {
	entries, err := a.cfg.Referral.ListCashbacks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	views := make([]cashbackView, 0, len(entries))
	for _, e := range entries {
		views = append(views, cashbackView{
			OrderID:        e.OrderID,
			UserID:         e.UserID,
			Amount:         e.Amount.String(),
			OriginalAmount: e.OriginalAmount.String(),
			Percent:        e.Percent,
			CreatedAt:      e.CreatedAt,
		})
	}
	writeSuccess(w, http.StatusOK, views)
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderStats, err := a.cfg.Orders.Stats(ctx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	genStats, err := a.cfg.Gens.Stats(ctx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	top, err := a.cfg.Gens.TopMemes(ctx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newStatsView(orderStats, genStats, top))
}
