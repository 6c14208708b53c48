package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

// Client issues the relay's outbound HTTP calls: webhook registration and
// deregistration against subscription APIs, and arbitrary one-shot/poll
// requests against target APIs.
type Client struct {
	http       *http.Client
	webhookURL string
	log        zerolog.Logger
}

// New builds a client with a fixed per-request timeout. webhookURL is the
// externally reachable callback passed to subscription APIs.
func New(timeout time.Duration, webhookURL string, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		webhookURL: strings.TrimSpace(webhookURL),
		log:        log,
	}
}

type subscribePayload struct {
	Service    string `json:"service"`
	ClientID   string `json:"client_id"`
	Token      string `json:"token"`
	WebhookURL string `json:"webhook_url"`
}

type unsubscribePayload struct {
	ClientID string `json:"client_id"`
}

// Subscribe registers this relay's webhook with the remote API.
func (c *Client) Subscribe(ctx context.Context, apiURL, service, clientID, token string) error {
	payload := subscribePayload{
		Service:    service,
		ClientID:   clientID,
		Token:      token,
		WebhookURL: c.webhookURL,
	}
	return c.postJSON(ctx, strings.TrimRight(apiURL, "/")+"/subscribe", payload)
}

// Unsubscribe deregisters the webhook. Callers treat failures as best-effort.
func (c *Client) Unsubscribe(ctx context.Context, apiURL, clientID string) error {
	return c.postJSON(ctx, strings.TrimRight(apiURL, "/")+"/unsubscribe", unsubscribePayload{ClientID: clientID})
}

// Execute performs a caller-specified request and returns the response body
// as raw JSON. An empty body yields a nil result; a non-JSON body or non-2xx
// status is an error.
func (c *Client) Execute(ctx context.Context, method, url string, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(strings.TrimSpace(method)), url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("remote status %d: %s", res.StatusCode, truncate(data, 256))
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("non-JSON response body: %s", truncate(trimmed, 256))
	}
	return json.RawMessage(trimmed), nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBytes))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("remote status %d", res.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
