// Package feed implements the remote social feed client.
//
// The feed is a JSON-over-HTTP API with token auth. Kodama publishes posts,
// leaves comments during the auto-comment sweep, and lists a user's recent
// items to find comment targets. Publishing is never retried: a failed
// publish forfeits the posting slot, and retrying would risk duplicate
// posts when the failure happened after the remote write.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kodama/common/retry"
)

const defaultTimeout = 30 * time.Second

// ErrorKind classifies a feed failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindAPI         ErrorKind = "api"
)

// Error is the error type returned by the feed client.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("feed: %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("feed: %s: %s: %v", e.Op, e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// FeedItem is one entry of a user's feed as returned by Recent.
type FeedItem struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	// Commented is true when the authenticated account already commented
	// on this item. The sweep skips those.
	Commented bool `json:"commented"`
}

// Config configures the feed client.
type Config struct {
	// BaseURL is the feed API root.
	BaseURL string
	// Token authenticates the publishing account.
	Token string
	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// Client talks to the remote feed API. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a feed client, applying defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types ---

type publishRequest struct {
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
}

type publishResponse struct {
	PostID string `json:"post_id"`
}

type commentRequest struct {
	Content string `json:"content"`
}

type recentResponse struct {
	Posts []FeedItem `json:"posts"`
}

// Publish creates a post with the given text and optional media references
// and returns the remote post ID. Never retried.
func (c *Client) Publish(ctx context.Context, text string, media []string) (string, error) {
	const op = "publish"

	var out publishResponse
	err := c.do(ctx, op, http.MethodPost, "/posts", publishRequest{Content: text, Media: media}, &out)
	if err != nil {
		return "", err
	}
	if out.PostID == "" {
		return "", &Error{Kind: KindAPI, Op: op, Message: "no post_id in response"}
	}
	return out.PostID, nil
}

// Comment leaves a comment on the target post. Never retried.
func (c *Client) Comment(ctx context.Context, targetPostID, text string) error {
	const op = "comment"
	path := "/posts/" + url.PathEscape(targetPostID) + "/comments"
	return c.do(ctx, op, http.MethodPost, path, commentRequest{Content: text}, nil)
}

// Recent lists the n most recent feed items of the given user. Read-only,
// so transient network failures are retried.
func (c *Client) Recent(ctx context.Context, userID string, n int) ([]FeedItem, error) {
	const op = "recent"
	path := "/users/" + url.PathEscape(userID) + "/posts?limit=" + strconv.Itoa(n)

	var out recentResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		ShouldRetry: func(err error) bool {
			var ferr *Error
			return errors.As(err, &ferr) && ferr.Kind == KindNetwork
		},
	}, func() error {
		out = recentResponse{}
		return c.do(ctx, op, http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Posts, nil
}

// do performs one JSON request/response round trip against the feed API.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindAPI, Op: op, cause: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return &Error{Kind: KindAPI, Op: op, cause: fmt.Errorf("create http request: %w", err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, cause: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, Message: httpMessage(resp.StatusCode, respBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: op, Message: httpMessage(resp.StatusCode, respBody)}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindAPI, Op: op, Message: httpMessage(resp.StatusCode, respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Kind: KindAPI, Op: op, cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func httpMessage(status int, body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", status, parsed.Error)
	}
	return fmt.Sprintf("HTTP %d", status)
}
