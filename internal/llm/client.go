// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/miradorstack/fleet-assistant/internal/metrics"
	"github.com/miradorstack/fleet-assistant/internal/models"
)

var (
	// ErrNotConfigured is returned when no endpoint is set.
	ErrNotConfigured = errors.New("llm endpoint not configured")
	// ErrNoChoices is returned when the model answers without content.
	ErrNoChoices = errors.New("llm returned no choices")
)

// Config selects the endpoint and generation defaults.
type Config struct {
	Endpoint           string
	Token              string
	Model              string
	Temperature        float32
	MaxTokens          int
	Timeout            time.Duration
	MaxRetries         int
	InsecureSkipVerify bool
}

// Options override generation settings for one call.
type Options struct {
	Stage       string
	MaxTokens   int
	Temperature *float32
}

// OpenAIClient implements chat completion over go-openai with retries.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	maxRetries  int
	logger      *slog.Logger
	backoff     func(attempt int) time.Duration
}

// NewOpenAIClient builds a client for cfg.Endpoint, which may be a base URL
// ("https://host/v1") or the full chat completions URL.
func NewOpenAIClient(cfg Config, logger *slog.Logger) (*OpenAIClient, error) {
	baseURL := BaseURL(cfg.Endpoint)
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-oss"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	oc := openai.DefaultConfig(cfg.Token)
	oc.BaseURL = baseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}

	logger.Info("initialising llm client", slog.String("base_url", baseURL), slog.String("model", cfg.Model))
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		backoff:     backoff,
	}, nil
}

// BaseURL normalises an endpoint to the API root go-openai expects.
func BaseURL(endpoint string) string {
	u := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return strings.TrimRight(u, "/")
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends messages and returns the first choice's content. Transient
// failures (429, 5xx, timeouts) are retried with exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		content, err := c.once(ctx, req)
		metrics.ObserveLLMRequest(opts.Stage, err)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		c.logger.Warn("llm request failed, retrying",
			slog.String("stage", opts.Stage), slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return "", fmt.Errorf("llm %s request: %w", opts.Stage, lastErr)
}

func (c *OpenAIClient) once(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	c.logger.Debug("llm response received",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
