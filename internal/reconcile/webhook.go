package reconcile

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/metrics"
	"meemee-bot/internal/validation"
)

// Provider names a payment callback source.
type Provider string

const (
	ProviderLava   Provider = "lava"
	ProviderCrypto Provider = "crypto"
)

const maxWebhookBody = 1 << 20

var errBadSignature = errors.New("invalid signature")

// WebhookHandler verifies a provider callback and feeds it to the
// reconciler.
type WebhookHandler struct {
	provider   Provider
	secret     string
	reconciler *Reconciler
	guard      *cache.IdempotencyGuard
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewWebhookHandler builds the callback endpoint for provider. guard may be
// nil when Redis is not configured.
func NewWebhookHandler(provider Provider, secret string, reconciler *Reconciler, guard *cache.IdempotencyGuard, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		provider:   provider,
		secret:     secret,
		reconciler: reconciler,
		guard:      guard,
		metrics:    m,
		logger:     logger.With("component", string(provider)+"_webhook"),
	}
}

// Sign returns the x-signature value for body.
func Sign(body []byte, secret string) string {
	sum := md5.Sum(append(append([]byte{}, body...), secret...))
	return hex.EncodeToString(sum[:])
}

func (h *WebhookHandler) verify(r *http.Request, body []byte) error {
	got := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Signature")))
	if got == "" {
		return fmt.Errorf("%w: missing header", errBadSignature)
	}
	want := Sign(body, h.secret)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return errBadSignature
	}
	return nil
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "bad_body", "failed to read body")
		return
	}
	if err := h.verify(r, body); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err, "remote", r.RemoteAddr)
		h.reject(w, http.StatusForbidden, "bad_signature", "Invalid signature")
		return
	}

	deliveryID, run, err := h.decode(body)
	if err != nil {
		h.logger.Warn("malformed webhook", "error", err)
		h.reject(w, http.StatusBadRequest, "malformed", "invalid payload")
		return
	}

	ctx := r.Context()
	if h.guard != nil {
		seen, err := h.guard.CheckAndMark(ctx, deliveryID)
		switch {
		case err != nil:
			// the conditional order update still guards against replays
			h.logger.Warn("idempotency guard unavailable", "error", err)
		case seen:
			h.logger.Info("duplicate webhook delivery", "delivery_id", deliveryID)
			h.observe("duplicate")
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Already processed"})
			return
		}
	}

	out, err := run(ctx)
	if err != nil {
		h.release(ctx, deliveryID)
		if IsNotFound(err) {
			h.logger.Warn("webhook for unknown order", "error", err)
			h.reject(w, http.StatusNotFound, "not_found", "Order not found")
			return
		}
		h.logger.Error("failed processing webhook", "error", err, "delivery_id", deliveryID)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues(string(h.provider) + "_webhook").Inc()
		}
		h.reject(w, http.StatusInternalServerError, "error", "Internal server error")
		return
	}

	h.observe(string(out.Result))
	resp := map[string]any{"success": true, "orderId": out.Order.OrderID}
	if out.Result == ResultAlreadyPaid {
		resp["message"] = "Already paid"
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode parses the body into the provider payload and returns the delivery
// key used for de-duplication plus the reconciliation step.
func (h *WebhookHandler) decode(body []byte) (string, func(context.Context) (*Outcome, error), error) {
	switch h.provider {
	case ProviderLava:
		var p FiatPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return "", nil, fmt.Errorf("decode lava payload: %w", err)
		}
		if err := validation.Struct(p); err != nil {
			return "", nil, err
		}
		return deliveryKey(p.ID, p.Status), func(ctx context.Context) (*Outcome, error) {
			return h.reconciler.HandleFiat(ctx, p)
		}, nil
	case ProviderCrypto:
		var p CryptoPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return "", nil, fmt.Errorf("decode crypto payload: %w", err)
		}
		if err := validation.Struct(p); err != nil {
			return "", nil, err
		}
		return deliveryKey(p.BillingID, p.Status), func(ctx context.Context) (*Outcome, error) {
			return h.reconciler.HandleCrypto(ctx, p)
		}, nil
	default:
		return "", nil, fmt.Errorf("unsupported provider %q", h.provider)
	}
}

func deliveryKey(id, status string) string {
	return id + ":" + strings.ToLower(strings.TrimSpace(status))
}

func (h *WebhookHandler) release(ctx context.Context, deliveryID string) {
	if h.guard == nil {
		return
	}
	if err := h.guard.Release(context.WithoutCancel(ctx), deliveryID); err != nil {
		h.logger.Warn("release idempotency key", "error", err, "delivery_id", deliveryID)
	}
}

func (h *WebhookHandler) reject(w http.ResponseWriter, status int, result, msg string) {
	h.observe(result)
	writeJSON(w, status, map[string]any{"error": msg})
}

func (h *WebhookHandler) observe(result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WebhookDeliveries.WithLabelValues(string(h.provider), result).Inc()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
