package llm

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

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("llm returned empty response")

// RetryConfig controls retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig retries once, per the transient-integration error
// policy: one retry at the call site, then surface.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Config configures the LLM client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   RetryConfig
}

// Client talks to an OpenAI-compatible chat completions API. All
// orchestrator traffic (decomposition, verification) goes through it
// and is gated by the cost ledger.
type Client struct {
	cfg    Config
	http   *http.Client
	ledger *Ledger
	logger zerolog.Logger
}

// NewClient creates an LLM client. A nil ledger disables budget
// gating.
func NewClient(cfg Config, ledger *Ledger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		ledger: ledger,
		logger: log.WithComponent("llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat exchange and returns the model's text.
// Purpose labels the call for the ledger and metrics.
func (c *Client) Complete(ctx context.Context, purpose, system, user string) (string, error) {
	if c.ledger != nil {
		if err := c.ledger.Check(); err != nil {
			metrics.LLMCalls.WithLabelValues(purpose, "budget_exhausted").Inc()
			return "", err
		}
	}

	var lastErr error
	backoff := c.cfg.Retry.BackoffBase
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * c.cfg.Retry.BackoffMultiplier)
			if backoff > c.cfg.Retry.MaxBackoff {
				backoff = c.cfg.Retry.MaxBackoff
			}
		}

		content, usage, err := c.call(ctx, system, user)
		if err == nil {
			if c.ledger != nil {
				c.ledger.Record(purpose, usage)
			}
			metrics.LLMCalls.WithLabelValues(purpose, "ok").Inc()
			return content, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("purpose", purpose).Int("attempt", attempt).
			Msg("llm call failed")
		if ctx.Err() != nil {
			break
		}
	}

	metrics.LLMCalls.WithLabelValues(purpose, "error").Inc()
	return "", fmt.Errorf("llm call failed after %d attempts: %w", c.cfg.Retry.MaxAttempts, lastErr)
}

func (c *Client) call(ctx context.Context, system, user string) (string, Usage, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", Usage{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("failed to decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", Usage{}, ErrEmptyResponse
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

// extractJSON pulls a JSON document out of a model reply, tolerating
// markdown code fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s
	}
	return strings.TrimSpace(s[start : end+1])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
