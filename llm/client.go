package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/docflow/config"
)

// maxResponseSize limits the completion response body.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// errPermanent marks completion failures retrying cannot fix: malformed
// requests, auth rejections, 4xx responses other than 429. Everything
// else (network faults, 429, 5xx) is retried.
var errPermanent = errors.New("permanent completion failure")

func permanent(err error) error {
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// IsPermanent reports whether a completion failure is not retryable.
// Callers like the summarizer use it to skip requeueing.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

// Retry bounds the completion retry loop. Backoff doubles from Base up
// to Cap, with a quarter of jitter subtracted so concurrent summarize
// runs spread out.
type Retry struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

func defaultRetry() Retry {
	return Retry{Attempts: 3, Base: 2 * time.Second, Cap: 30 * time.Second}
}

func (r Retry) backoff(attempt int) time.Duration {
	d := r.Base << (attempt - 1)
	if d <= 0 || d > r.Cap {
		d = r.Cap
	}
	return d - time.Duration(rand.Float64()*0.25*float64(d))
}

// Completer is the completion surface consumers depend on.
type Completer interface {
	CompleteTask(ctx context.Context, task string, messages []Message) (*Response, error)
}

// Client sends chat completions through the configured provider, selecting
// model, temperature, and token limit per task type. Transient failures are
// retried with exponential backoff.
type Client struct {
	cfg        config.LLMConfig
	provider   Provider
	httpClient *http.Client
	retry      Retry
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetry sets the retry bounds.
func WithRetry(r Retry) ClientOption {
	return func(client *Client) {
		client.retry = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a Client from the LLM config section.
func NewClient(cfg config.LLMConfig, opts ...ClientOption) (*Client, error) {
	provider := GetProvider(cfg.Provider)
	if provider == nil {
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Client{
		cfg:        cfg,
		provider:   provider,
		retry:      defaultRetry(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TaskConfig returns the model selection for a task type.
func (c *Client) TaskConfig(task string) (config.LLMTaskConfig, error) {
	tc, ok := c.cfg.Tasks[task]
	if !ok || tc.Model == "" {
		return config.LLMTaskConfig{}, fmt.Errorf("no model configured for llm task %q", task)
	}
	return tc, nil
}

// CompleteTask runs a chat completion using the task's configured model.
func (c *Client) CompleteTask(ctx context.Context, task string, messages []Message) (*Response, error) {
	tc, err := c.TaskConfig(task)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, tc.Model, messages, tc.Temperature, tc.MaxTokens)
}

// Complete runs one chat completion against the configured endpoint,
// retrying transient failures.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, temperature *float64, maxTokens int) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		resp, err := c.doRequest(ctx, model, messages, temperature, maxTokens)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return nil, err
		}
		if attempt < c.retry.Attempts {
			backoff := c.retry.backoff(attempt)
			c.logger.Debug("Completion failed, retrying",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.retry.Attempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, model string, messages []Message, temperature *float64, maxTokens int) (*Response, error) {
	body, err := c.provider.BuildRequestBody(model, messages, temperature, maxTokens)
	if err != nil {
		return nil, permanent(fmt.Errorf("build request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.provider.BuildURL(c.cfg.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create HTTP request: %w", err))
	}
	c.provider.SetHeaders(req)

	c.logger.Debug("Sending completion request",
		"provider", c.provider.Name(), "model", model, "messages", len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}
	return c.provider.ParseResponse(respBody)
}

// statusError turns a non-200 completion response into an error, marking
// it permanent unless the status signals throttling or a provider fault.
func statusError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("completion API error (status %d): %s", statusCode, bodyStr)
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return err
	}
	return permanent(err)
}
