// Package kie talks to the Kie.ai jobs API that renders meme videos.
package kie

import (
	"bytes"
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

	"meemee-bot/internal/metrics"
)

const (
	providerName   = "kie"
	defaultBaseURL = "https://api.kie.ai/api/v1/jobs"
	defaultModel   = "sora-2-text-to-video"
)

// Task states reported by recordInfo.
const (
	StateWaiting    = "waiting"
	StateQueuing    = "queuing"
	StateGenerating = "generating"
	StateSuccess    = "success"
	StateFail       = "fail"
)

// ErrInvalidCredential indicates Kie rejected the API key.
var ErrInvalidCredential = errors.New("kie invalid credential")

// Client provides typed access to the Kie jobs API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds Kie client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// New creates a new Kie client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "kie"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskRequest struct {
	Model string          `json:"model"`
	Input createTaskInput `json:"input"`
}

type createTaskInput struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	NFrames         string `json:"n_frames"`
	RemoveWatermark bool   `json:"remove_watermark"`
}

// CreateTask submits a text-to-video job and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("kie api key not configured")
	}
	body, err := json.Marshal(createTaskRequest{
		Model: c.model,
		Input: createTaskInput{
			Prompt:          prompt,
			AspectRatio:     "landscape",
			NFrames:         "10",
			RemoveWatermark: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal create task: %w", err)
	}

	env, err := c.call(ctx, http.MethodPost, "/createTask", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("decode create task: %w", err)
		}
	}
	if data.TaskID == "" {
		msg := env.Msg
		if msg == "" {
			msg = "no task ID received"
		}
		return "", fmt.Errorf("invalid kie response: %s", msg)
	}
	c.logger.Info("task created", "task_id", data.TaskID)
	return data.TaskID, nil
}

// TaskInfo is the polled state of a task.
type TaskInfo struct {
	TaskID     string
	State      string
	ResultURLs []string
	FailMsg    string
}

type recordInfo struct {
	TaskID     string          `json:"taskId"`
	State      string          `json:"state"`
	ResultJSON json.RawMessage `json:"resultJson"`
	FailMsg    string          `json:"failMsg"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

// RecordInfo fetches the current state of taskID.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*TaskInfo, error) {
	env, err := c.call(ctx, http.MethodGet, "/recordInfo?taskId="+url.QueryEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	var rec recordInfo
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, errors.New("kie record info has no data")
	}
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode record info: %w", err)
	}
	info := &TaskInfo{TaskID: taskID, State: strings.ToLower(strings.TrimSpace(rec.State)), FailMsg: rec.FailMsg}
	urls, err := parseResultURLs(rec.ResultJSON)
	if err != nil {
		return nil, err
	}
	info.ResultURLs = urls
	return info, nil
}

// parseResultURLs accepts resultJson either as an embedded JSON string or as
// an object.
func parseResultURLs(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("decode result json string: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		trimmed = []byte(s)
	}
	var res resultPayload
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, fmt.Errorf("decode result json: %w", err)
	}
	return res.ResultURLs, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body io.Reader) (*envelope, error) {
	var env envelope
	if err := c.do(ctx, method, endpoint, body, &env); err != nil {
		return nil, err
	}
	if env.Code != http.StatusOK {
		message := strings.TrimSpace(env.Msg)
		if message == "" {
			message = "kie operation failed"
		}
		return nil, fmt.Errorf("kie %s error: %s (code=%d)", endpointName(endpoint), message, env.Code)
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "meemee-bot/kie-client")

	name := endpointName(endpoint)
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe(name, "error", start)
		return fmt.Errorf("kie request: %w", err)
	}
	defer res.Body.Close()
	c.observe(name, strconv.Itoa(res.StatusCode), start)

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode kie response: %w", err)
	}
	return nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(providerName, endpoint, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(providerName, endpoint).Observe(time.Since(start).Seconds())
}

func endpointName(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("kie error: status=%d body=%s", status, snippet)
}
