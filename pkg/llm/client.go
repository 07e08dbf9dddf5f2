package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/morezero/taskrunner/pkg/retry"
	"github.com/morezero/taskrunner/pkg/taskerr"
)

const (
	logPrefix = "llm:client"
	stage     = "llm"

	// DefaultModel is the model identifier sent when Config.Model is empty.
	DefaultModel = "gpt-4o-mini"

	maxResponseBytes = 4 << 20
	maxErrorSnippet  = 256
)

var (
	errTimeout     = errors.New("request timed out")
	errRateLimited = errors.New("rate limited")
	errConnection  = errors.New("connection failed")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	Model string
	// Policy overrides DefaultPolicy when MaxAttempts is set.
	Policy retry.Policy
	// HTTP overrides the transport. Per-attempt timeouts come from the request context.
	HTTP Doer
}

// DefaultPolicy is 3 attempts, 30s/60s/90s attempt timeouts and min(2^attempt, 8)s
// waits after a rate-limited response.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		Name:        "llm",
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		BaseTimeout: 30 * time.Second,
		MaxTimeout:  90 * time.Second,
	}
}

// Client calls the chat-completion endpoint.
type Client struct {
	url    string
	token  string
	model  string
	policy retry.Policy
	http   Doer
}

// NewClient creates a Client. The token is required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, taskerr.New(taskerr.CodeValidation, stage, "auth token is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, taskerr.New(taskerr.CodeValidation, stage, "gateway URL is required")
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy()
	}
	if policy.Name == "" {
		policy.Name = "llm"
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	doer := cfg.HTTP
	if doer == nil {
		doer = &http.Client{}
	}
	return &Client{
		url:    cfg.URL,
		token:  cfg.Token,
		model:  model,
		policy: policy,
		http:   doer,
	}, nil
}

// Generate sends a single user prompt and returns the first choice's content.
func (c *Client) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", taskerr.New(taskerr.CodeValidation, stage, "prompt must be a non-empty string")
	}
	if err := validateTemperature(temperature); err != nil {
		return "", err
	}
	return c.complete(ctx, []Message{TextMessage(RoleUser, prompt)}, temperature)
}

// GenerateVision sends structured (text and image) messages.
func (c *Client) GenerateVision(ctx context.Context, messages []Message, temperature float64) (string, error) {
	if len(messages) == 0 {
		return "", taskerr.New(taskerr.CodeValidation, stage, "messages list cannot be empty")
	}
	if err := validateTemperature(temperature); err != nil {
		return "", err
	}
	validated := make([]Message, 0, len(messages))
	for i, m := range messages {
		nm, err := normalizeMessage(m)
		if err != nil {
			return "", taskerr.Wrap(taskerr.CodeValidation, stage, fmt.Sprintf("invalid message %d", i), err)
		}
		validated = append(validated, nm)
	}
	return c.complete(ctx, validated, temperature)
}

func validateTemperature(t float64) error {
	if t < 0 || t > 1 {
		return taskerr.Newf(taskerr.CodeValidation, stage, "temperature must be between 0 and 1, got %v", t)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: temperature})
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeValidation, stage, "failed to encode request", err)
	}

	var content string
	err = c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := c.policy.AttemptContext(ctx, attempt)
		defer cancel()

		text, err := c.send(attemptCtx, payload)
		if err == nil {
			content = text
			return nil
		}
		if ctx.Err() != nil {
			return retry.Stop(taskerr.Wrap(taskerr.CodeTransport, stage, "request canceled", ctx.Err()))
		}
		switch {
		case errors.Is(err, errTimeout):
			slog.Warn(fmt.Sprintf("%s - Request timed out, attempt %d/%d", logPrefix, attempt+1, c.policy.Attempts()))
			return retry.Immediately(err)
		case errors.Is(err, errRateLimited), errors.Is(err, errConnection):
			return err
		default:
			return retry.Stop(err)
		}
	})
	if err == nil {
		return content, nil
	}

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		return "", err
	}
	switch {
	case errors.Is(exhausted.Err, errTimeout):
		return "", taskerr.Newf(taskerr.CodeTransport, stage, "request timed out after %d attempts", exhausted.Attempts)
	case errors.Is(exhausted.Err, errRateLimited):
		return "", taskerr.Wrap(taskerr.CodeTransport, stage,
			fmt.Sprintf("rate limited after %d attempts", exhausted.Attempts), exhausted.Err)
	default:
		return "", taskerr.Wrap(taskerr.CodeTransport, stage,
			fmt.Sprintf("request failed after %d attempts", exhausted.Attempts), exhausted.Err)
	}
}

// send performs one HTTP round trip and classifies the outcome.
func (c *Client) send(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeValidation, stage, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", errTimeout
		}
		// The error text of a failed dial never includes request headers.
		return "", fmt.Errorf("%w: %v", errConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return "", errTimeout
		}
		return "", fmt.Errorf("%w: read body: %v", errConnection, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn(fmt.Sprintf("%s - Rate limited by gateway", logPrefix))
		return "", errRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorSnippet {
			snippet = snippet[:maxErrorSnippet]
		}
		slog.Error(fmt.Sprintf("%s - HTTP error %d: %s", logPrefix, resp.StatusCode, snippet))
		return "", taskerr.Newf(taskerr.CodeTransport, stage, "API request failed with status %d", resp.StatusCode)
	}

	return extractContent(body)
}

// extractContent returns choices[0].message.content.
func extractContent(body []byte) (string, error) {
	var decoded chatCompletionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", taskerr.Wrap(taskerr.CodeProtocol, stage, "invalid API response format", err)
	}
	if len(decoded.Choices) == 0 {
		return "", taskerr.New(taskerr.CodeProtocol, stage, "invalid API response format: missing choices")
	}
	content := decoded.Choices[0].Message.Content
	if content == nil {
		return "", taskerr.New(taskerr.CodeProtocol, stage, "invalid API response format: missing message content")
	}
	return *content, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
