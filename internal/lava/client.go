// Package lava issues card invoices through the Lava.top gateway.
package lava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meemee-bot/internal/metrics"
)

const (
	providerName   = "lava"
	defaultBaseURL = "https://gate.lava.top"
	invoicePath    = "/api/v2/invoice"
)

// ErrInvalidCredential indicates Lava rejected the API key.
var ErrInvalidCredential = errors.New("lava invalid credential")

// GatewayError is an error message reported by Lava in the response body.
type GatewayError struct {
	Message string
}

func (e *GatewayError) Error() string { return "lava: " + e.Message }

// Client provides typed access to the Lava invoice API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds Lava client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new Lava client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "lava"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// InvoiceRequest is the body of POST /api/v2/invoice.
type InvoiceRequest struct {
	Email         string `json:"email"`
	OfferID       string `json:"offerId"`
	BuyerLanguage string `json:"buyerLanguage"`
	Currency      string `json:"currency"`
}

// Invoice is the subset of the gateway reply the service relies on. Raw keeps
// the body verbatim.
type Invoice struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	PaymentURL string          `json:"paymentUrl"`
	URL        string          `json:"url"`
	Raw        json.RawMessage `json:"-"`
}

// CreateInvoice issues a checkout invoice.
func (c *Client) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+invoicePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", "meemee-bot/lava-client")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return nil, fmt.Errorf("lava request: %w", err)
	}
	defer res.Body.Close()
	c.observe(strconv.Itoa(res.StatusCode), start)

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if msg := gatewayError(raw); msg != "" {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, msg)
		}
		return nil, &GatewayError{Message: msg}
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, string(raw))
	}

	var inv Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, errors.New("lava invoice response has no id")
	}
	if inv.PaymentURL == "" {
		inv.PaymentURL = inv.URL
	}
	inv.Raw = raw
	return &inv, nil
}

// gatewayError extracts the "error" field Lava sets on rejected requests.
func gatewayError(raw []byte) string {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe.Error) == 0 || string(probe.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.Error, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(probe.Error))
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(providerName, invoicePath, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(providerName, invoicePath).Observe(time.Since(start).Seconds())
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("lava error: status=%d body=%s", status, snippet)
}
