// Package llm wraps the Anthropic completion API for the audit stage:
// primary-to-fallback model routing, bounded retries on retryable errors,
// and artifact capture of the prompt, the raw model result, and any
// primary-model failure.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/retry"
)

// retriesPerModel is the retry budget per model on retryable errors:
// one initial call plus two retries.
const retriesPerModel = 3

// DefaultMaxTokens bounds the model response when the request does not
// override it.
const DefaultMaxTokens = 16384

// Completer is the completion surface the client routes over.
// AnthropicCompleter is the production implementation.
type Completer interface {
	Complete(ctx context.Context, model, system, prompt string, maxTokens int) (string, error)
}

// AnthropicCompleter completes prompts through the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
}

// NewAnthropicCompleter creates a completer authenticated with apiKey.
func NewAnthropicCompleter(apiKey string) *AnthropicCompleter {
	return &AnthropicCompleter{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, model, system, prompt string, maxTokens int) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// IsRetryable reports whether an API error is worth retrying: rate
// limits, timeouts, 5xx, and transport failures. Schema and auth errors
// are not.
func IsRetryable(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408, apierr.StatusCode == 429:
			return true
		case apierr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Transport-level failures carry no status code.
	return true
}

// artifact keys under audits/<auditRunID>/.
const (
	promptArtifact       = "prompt.txt"
	resultArtifact       = "model-result.json"
	primaryErrorArtifact = "primary-error.json"
)

// Request is one audit completion request.
type Request struct {
	AuditRunID    string
	PrimaryModel  string
	FallbackModel string
	System        string
	Prompt        string
	MaxTokens     int
}

// Result is the completion outcome.
type Result struct {
	ModelID      string
	Raw          string
	UsedFallback bool
}

// Client routes audit completions across a primary and a fallback model.
type Client struct {
	completer Completer
	objects   blob.ObjectStore
	logger    *log.Logger
	metrics   *metrics.Collector
	policy    retry.Policy
}

// NewClient creates an LLM client capturing artifacts into objects.
func NewClient(completer Completer, objects blob.ObjectStore, collector *metrics.Collector, logger *log.Logger) *Client {
	return &Client{
		completer: completer,
		objects:   objects,
		logger:    logger,
		metrics:   collector,
		policy: retry.Policy{
			MaxAttempts: retriesPerModel,
			BaseDelay:   2 * time.Second,
			Backoff:     retry.BackoffExponential,
			IsRetryable: IsRetryable,
		},
	}
}

// Generate completes the prompt on the primary model, falling back to the
// fallback model when the primary's retry budget is exhausted. The prompt
// and the winning raw result are captured as run artifacts; a primary
// failure that triggered fallback is captured alongside them.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	c.putArtifact(ctx, req.AuditRunID, promptArtifact, []byte(req.Prompt))

	raw, primaryErr := c.completeWithRetry(ctx, req.PrimaryModel, req)
	if primaryErr == nil {
		c.putArtifact(ctx, req.AuditRunID, resultArtifact, []byte(raw))
		return &Result{ModelID: req.PrimaryModel, Raw: raw}, nil
	}
	if ctx.Err() != nil {
		return nil, primaryErr
	}

	c.logger.Warn("primary model failed, falling back", map[string]any{
		"audit_run_id": req.AuditRunID,
		"primary":      req.PrimaryModel,
		"fallback":     req.FallbackModel,
		"error":        primaryErr.Error(),
	})
	c.metrics.IncLLMFallback()
	c.capturePrimaryError(ctx, req, primaryErr)

	if req.FallbackModel == "" {
		return nil, fmt.Errorf("primary model %s failed with no fallback: %w", req.PrimaryModel, primaryErr)
	}

	raw, fallbackErr := c.completeWithRetry(ctx, req.FallbackModel, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback model %s failed after primary: %w", req.FallbackModel, fallbackErr)
	}
	c.putArtifact(ctx, req.AuditRunID, resultArtifact, []byte(raw))
	return &Result{ModelID: req.FallbackModel, Raw: raw, UsedFallback: true}, nil
}

func (c *Client) completeWithRetry(ctx context.Context, model string, req Request) (string, error) {
	var raw string
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.completer.Complete(ctx, model, req.System, req.Prompt, req.MaxTokens)
		return callErr
	})
	return raw, err
}

func (c *Client) capturePrimaryError(ctx context.Context, req Request, primaryErr error) {
	payload, err := json.Marshal(map[string]string{
		"model": req.PrimaryModel,
		"error": primaryErr.Error(),
	})
	if err != nil {
		return
	}
	c.putArtifact(ctx, req.AuditRunID, primaryErrorArtifact, payload)
}

// putArtifact is best-effort: artifact loss must not fail the audit call.
func (c *Client) putArtifact(ctx context.Context, auditRunID, name string, data []byte) {
	key := fmt.Sprintf("audits/%s/%s", auditRunID, name)
	if err := c.objects.Put(ctx, key, data); err != nil {
		c.logger.Warn("artifact capture failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
}
