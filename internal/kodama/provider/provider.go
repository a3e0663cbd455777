// Package provider implements the generation provider client.
//
// The provider is an OpenAI-compatible chat completions endpoint. Every
// generation Kodama performs (summaries, post drafts, comments) goes through
// Generate, which sends a system instruction and a user prompt and returns
// the model's text.
package provider

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

	"github.com/bdobrica/Kodama/common/retry"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)

// ErrorKind classifies a provider failure for scheduling decisions. All
// kinds forfeit the current slot; only transport failures are retried
// within a single Generate call.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindAPI       ErrorKind = "api"
	KindTransport ErrorKind = "transport"
)

// Error is the error type returned by Generate.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("provider: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Config configures the provider client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string
	// APIKey is the bearer token for authentication.
	APIKey string
	// Model is the chat model to use.
	Model string
	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
	// Temperature defaults to 0.7.
	Temperature float64
	// MaxTokens defaults to 500.
	MaxTokens int
}

// Client talks to an OpenAI-compatible chat completions API. It is safe for
// concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a provider client, applying defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- chat completions wire types (minimal subset) ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// Generate sends the system instruction and user prompt to the model and
// returns the generated text. Transport failures are retried once; API,
// auth, and rate-limit failures are surfaced immediately.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	var result string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		ShouldRetry: func(err error) bool {
			var perr *Error
			return errors.As(err, &perr) && perr.Kind == KindTransport
		},
	}, func() error {
		text, err := c.generate(ctx, system, prompt)
		if err != nil {
			return err
		}
		result = text
		return nil
	})
	return result, err
}

func (c *Client) generate(ctx context.Context, system, prompt string) (string, error) {
	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Kind: KindAPI, cause: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", &Error{Kind: KindAPI, cause: fmt.Errorf("create http request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return "", &Error{Kind: KindTimeout, cause: err}
		}
		return "", &Error{Kind: KindTransport, cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransport, cause: fmt.Errorf("read response body: %w", err)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &Error{Kind: KindAPI, cause: fmt.Errorf("decode response: %w", err)}
	}

	if chatResp.Error != nil {
		return "", apiError(resp.StatusCode, chatResp.Error.Type, chatResp.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return "", apiError(resp.StatusCode, "", fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode))
	}
	if len(chatResp.Choices) == 0 {
		return "", &Error{Kind: KindAPI, Message: "no choices returned"}
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

func apiError(status int, apiType, message string) *Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuth, Message: message}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Message: message}
	}
	if apiType != "" {
		message = fmt.Sprintf("%s: %s", apiType, message)
	}
	return &Error{Kind: KindAPI, Message: message}
}

func isTimeout(err error) bool {
	var terr interface{ Timeout() bool }
	return errors.As(err, &terr) && terr.Timeout()
}
