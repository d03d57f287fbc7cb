// Package oxpay creates crypto deposits through 0xProcessing.
package oxpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meemee-bot/internal/cache"
	"meemee-bot/internal/metrics"
)

const (
	providerName       = "oxprocessing"
	defaultBaseURL     = "https://app.0xprocessing.com"
	defaultMinCacheTTL = 10 * time.Minute
	formContentType    = "application/x-www-form-urlencoded"
)

// Client provides typed access to the 0xProcessing merchant API.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	merchant string
	http     *http.Client
	metrics  *metrics.Metrics
	cache    *cache.Redis
	minTTL   time.Duration
}

// Config holds 0xProcessing client configuration.
type Config struct {
	BaseURL    string
	MerchantID string
	Timeout    time.Duration
	MinTTL     time.Duration
}

// New creates a new client. redis may be nil, in which case coin minimums are
// fetched on every call.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.MinTTL
	if ttl <= 0 {
		ttl = defaultMinCacheTTL
	}
	return &Client{
		logger:   logger.With("component", "oxprocessing"),
		baseURL:  base,
		merchant: cfg.MerchantID,
		http:     &http.Client{Timeout: timeout},
		metrics:  m,
		cache:    redis,
		minTTL:   ttl,
	}
}

// DepositRequest is the form posted to /payment.
type DepositRequest struct {
	BillingID string
	Currency  string
	Email     string
	ClientID  string
}

// Deposit is the processor's reply. Rate is the coin price in USD; Raw keeps
// the body verbatim.
type Deposit struct {
	Address        string          `json:"address"`
	Amount         decimal.Decimal `json:"amount"`
	Rate           decimal.Decimal `json:"rate"`
	DestinationTag string          `json:"destinationTag"`
	RedirectURL    string          `json:"redirectUrl"`
	Raw            json.RawMessage `json:"-"`
}

// CreateDeposit opens a deposit for the billing id.
func (c *Client) CreateDeposit(ctx context.Context, in DepositRequest) (*Deposit, error) {
	form := url.Values{}
	form.Set("merchantID", c.merchant)
	form.Set("billingID", in.BillingID)
	form.Set("currency", in.Currency)
	form.Set("email", in.Email)
	form.Set("clientId", in.ClientID)

	raw, err := c.do(ctx, http.MethodPost, "/payment", strings.NewReader(form.Encode()), formContentType)
	if err != nil {
		return nil, err
	}
	var p Deposit
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	p.Raw = raw
	return &p, nil
}

type coinInfo struct {
	Min decimal.Decimal `json:"min"`
}

// MinAmount returns the smallest on-chain amount accepted for currency.
func (c *Client) MinAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	key := cache.Key("oxpay", "min", currency)
	if c.cache != nil {
		var cached coinInfo
		ok, err := c.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("read coin info cache failed", "error", err)
		} else if ok {
			return cached.Min, nil
		}
	}

	raw, err := c.do(ctx, http.MethodGet, "/Api/CoinInfo/"+url.PathEscape(currency), nil, "")
	if err != nil {
		return decimal.Zero, err
	}
	var info coinInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return decimal.Zero, fmt.Errorf("decode coin info: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, info, c.minTTL); err != nil {
			c.logger.Warn("set coin info cache failed", "error", err)
		}
	}
	return info.Min, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "meemee-bot/oxprocessing-client")

	name := endpoint
	if strings.HasPrefix(endpoint, "/Api/CoinInfo/") {
		name = "/Api/CoinInfo"
	}
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe(name, "error", start)
		return nil, fmt.Errorf("oxprocessing request: %w", err)
	}
	defer res.Body.Close()
	c.observe(name, strconv.Itoa(res.StatusCode), start)

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, string(raw))
	}
	return raw, nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(providerName, endpoint, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(providerName, endpoint).Observe(time.Since(start).Seconds())
}

// ErrRejected marks a 4xx answer from the processor.
var ErrRejected = errors.New("oxprocessing rejected request")

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if status < 500 {
		return fmt.Errorf("%w: status=%d body=%s", ErrRejected, status, snippet)
	}
	return fmt.Errorf("oxprocessing error: status=%d body=%s", status, snippet)
}
