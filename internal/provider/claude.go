package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when no API key is configured.
var ErrUnavailable = errors.New("generation provider unavailable")

// Error is a failed provider call. Retryable errors (429, 5xx, transport
// failures) are retried up to the client's budget before surfacing.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
	}
	return "provider: " + e.Message
}

// Usage is the token accounting returned with each generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request describes one conversation generation call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Result is a completed generation with usage and dollar cost.
type Result struct {
	Content json.RawMessage
	ModelID string
	Usage   Usage
	Cost    float64
}

// Generator is the external generation provider contract consumed by the
// worker and the synchronous process-next path.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Available() bool
}

// Pricing converts token usage to dollars.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1000*p.InputPer1K + float64(u.OutputTokens)/1000*p.OutputPer1K
}

// ClientConfig configures the messages-API client.
type ClientConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RequestsPerSec float64
	Burst          int
	Pricing        Pricing
	HTTPClient     *http.Client
}

// Client calls an Anthropic-style messages API over HTTP. All calls pass
// through a client-side rate limiter so many workers sharing one process
// stay under the provider's request budget.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	timeout        time.Duration
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	pricing        Pricing
	httpClient     *http.Client
	limiter        *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RequestsPerSec))
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		pricing:        cfg.Pricing,
		httpClient:     cfg.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Generate performs one messages call with bounded retries.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if !c.Available() {
		return Result{}, ErrUnavailable
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, &Error{Message: "prompt is required"}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal provider payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}

		result, callErr := c.callMessages(ctx, encoded)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		var provErr *Error
		retryable := errors.As(callErr, &provErr) && provErr.Retryable
		if !retryable || attempt == c.maxRetries {
			break
		}

		wait := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt+1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Result{}, lastErr
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason"`
}

func (c *Client) callMessages(ctx context.Context, body []byte) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, &Error{Message: "read provider response: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 512),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var decoded messagesResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, &Error{Message: "decode provider response: " + err.Error()}
	}
	if len(decoded.Content) == 0 {
		return Result{}, &Error{Message: "provider returned empty content"}
	}

	text := decoded.Content[0].Text
	if decoded.StopReason == "max_tokens" {
		return Result{}, &Error{Message: "generation truncated at max_tokens"}
	}

	content, err := conversationJSON(text)
	if err != nil {
		return Result{}, &Error{Message: err.Error()}
	}

	return Result{
		Content: content,
		ModelID: decoded.Model,
		Usage:   decoded.Usage,
		Cost:    c.pricing.Cost(decoded.Usage),
	}, nil
}

// conversationJSON validates that generated text is a JSON document; models
// occasionally wrap output in a markdown fence, which is stripped.
func conversationJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, errors.New("generated content is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
