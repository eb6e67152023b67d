package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/ratelimiter"

	"spyglass/pkg/monitoring"
)

// Config selects the inference endpoint. Any OpenAI-compatible chat
// completions API works (OpenAI, Gemini's compat layer, a local server).
type Config struct {
	APIURL string
	APIKey string
	Model  string
	// MinInterval spaces out successive calls to respect provider rate
	// limits. Zero disables client-side limiting.
	MinInterval time.Duration
	// Metrics, when set, records call counts and latency per operation.
	Metrics *monitoring.InferenceMetrics
}

// Client is a non-streaming chat completions client. All pipeline prompts
// want one short completion back, so there is no SSE handling here.
type Client struct {
	client  *http.Client
	apiURL  string
	apiKey  string
	model   string
	limiter ratelimiter.RateLimiter[any]
	metrics *monitoring.InferenceMetrics
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewClient(cfg Config) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	c := &Client{
		client:  &http.Client{Timeout: 60 * time.Second},
		apiURL:  apiURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		metrics: cfg.Metrics,
	}
	if cfg.MinInterval > 0 {
		c.limiter = ratelimiter.NewSmoothBuilderWithMaxRate[any](cfg.MinInterval).Build()
	}
	return c
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one prompt and returns the raw completion text. The
// operation label names the caller for metrics.
func (c *Client) Complete(ctx context.Context, operation, prompt string) (string, error) {
	start := time.Now()
	text, err := c.complete(ctx, prompt)
	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.Calls.WithLabelValues(operation, outcome).Inc()
		c.metrics.Duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	return text, err
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if c.model == "" {
		return "", errors.New("inference model is required")
	}
	if c.limiter != nil {
		if err := c.limiter.AcquirePermitWithMaxWait(ctx, time.Minute); err != nil {
			return "", fmt.Errorf("inference: rate limit wait: %w", err)
		}
	}

	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("inference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("inference: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("inference: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("inference: empty completion")
	}
	return decoded.Choices[0].Message.Content, nil
}

// stripCodeFences removes a Markdown code fence wrapper (with or without a
// language tag) that some models insist on adding around JSON output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line, e.g. "json".
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
