// Package chat wraps the Chat System REST API and its webhook payloads.
package chat

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

	"github.com/spec-kit/consultation-sync/internal/retry"
)

// APIError is returned for a failed Chat System call.
type APIError struct {
	StatusCode int
	Attempts   int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat api: %v after %d attempts", e.Err, e.Attempts)
	}
	return fmt.Sprintf("chat api: status %d after %d attempts: %s", e.StatusCode, e.Attempts, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Status is a conversation status as the Chat System names it.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// ClientOptions configures Client.
type ClientOptions struct {
	BaseURL    string
	AccountID  string
	APIToken   string
	HTTPClient *http.Client
	Policy     retry.Policy
}

// Client sends messages and conversation updates to the Chat System.
type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
	policy    retry.Policy
}

// NewClient builds a client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		accountID: opts.AccountID,
		token:     opts.APIToken,
		http:      httpClient,
		policy:    opts.Policy.WithDefaults(),
	}
}

// SendMessage posts a client-visible message into a conversation.
// It makes a single attempt: a retried post may show the client the same text twice.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	return c.post(ctx, retry.Policy{}, conversationID, "messages", map[string]any{
		"content":      content,
		"message_type": "outgoing",
		"private":      false,
	})
}

// UpdateStatus sets the conversation status.
func (c *Client) UpdateStatus(ctx context.Context, conversationID string, status Status) error {
	return c.post(ctx, c.policy, conversationID, "toggle_status", map[string]any{"status": status})
}

// UpdateCustomAttributes replaces the conversation's custom attributes.
func (c *Client) UpdateCustomAttributes(ctx context.Context, conversationID string, attrs map[string]any) error {
	return c.post(ctx, c.policy, conversationID, "custom_attributes", map[string]any{"custom_attributes": attrs})
}

func (c *Client) post(ctx context.Context, policy retry.Policy, conversationID, action string, body any) error {
	if conversationID == "" {
		return errors.New("chat api: empty conversation id")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/%s", c.baseURL, c.accountID, conversationID, action)

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api_access_token", c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.Transient(err, 0)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if retry.Retryable(resp.StatusCode) {
			return retry.Transient(apiErr, retry.ParseRetryAfter(resp.Header.Get("Retry-After")))
		}
		return apiErr
	})
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		apiErr.Attempts = attempts
		return apiErr
	}
	if ctx.Err() != nil {
		return err
	}
	return &APIError{Attempts: attempts, Err: err}
}
