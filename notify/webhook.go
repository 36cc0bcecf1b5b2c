package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/iox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/retry"
)

// DefaultWebhookTimeout is the default per-request timeout.
const DefaultWebhookTimeout = 10 * time.Second

// DefaultWebhookRetries is the default retry budget after the first attempt.
const DefaultWebhookRetries = 3

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// StatusError is returned for non-2xx HTTP responses. The status code
// distinguishes retryable (5xx) from non-retryable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// WebhookNotifier delivers completion events as JSON POST requests.
// Transient failures and 5xx responses are retried with exponential
// back-off; 4xx responses fail immediately.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	policy retry.Policy
}

// NewWebhookNotifier creates a webhook notifier.
// Returns an error if the URL is empty.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook notifier requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{
			MaxAttempts: 1 + cfg.Retries,
			BaseDelay:   500 * time.Millisecond,
			Backoff:     retry.BackoffExponential,
			IsRetryable: isRetryableStatus,
		},
	}, nil
}

// isRetryableStatus treats 4xx responses as permanent; everything else
// (5xx, transport failures) is worth another attempt.
func isRetryableStatus(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code < 400 || statusErr.Code >= 500
	}
	return true
}

// Publish implements Notifier.
func (n *WebhookNotifier) Publish(ctx context.Context, event *AuditCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	if err := n.policy.Do(ctx, func(ctx context.Context) error {
		return n.doRequest(ctx, body)
	}); err != nil {
		return fmt.Errorf("webhook: publish to %s: %w", n.config.URL, err)
	}
	return nil
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (n *WebhookNotifier) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Close releases notifier resources.
func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
