// Package openwebui is the HTTP client for an OpenWebUI-compatible
// completion API.
package openwebui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/owui/chatbot-server/internal/metrics"
)

// Completer is the surface the chat service depends on. Tests substitute a
// fake.
type Completer interface {
	ChatCompletion(ctx context.Context, model, systemPrompt string, history []Message, userText string) (*Completion, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Completion struct {
	Content    string
	TokensUsed int
}

// ErrUpstream wraps a non-retryable or exhausted upstream failure.
var ErrUpstream = errors.New("completion service unavailable")

type Client struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	Backoff     time.Duration
	MaxTokens   int
	Temperature float64
	log         zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries, maxTokens int, temperature float64, log zerolog.Logger) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		HTTPClient:  &http.Client{Timeout: timeout},
		MaxRetries:  maxRetries,
		Backoff:     time.Second,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		log:         log.With().Str("component", "openwebui").Logger(),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Some deployments return these instead of the OpenAI shape.
	Response string `json:"response"`
	Content  string `json:"content"`
	Usage    struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatCompletion sends one completion request, retrying timeouts and
// 429/5xx responses with exponential backoff.
func (c *Client) ChatCompletion(ctx context.Context, model, systemPrompt string, history []Message, userText string) (*Completion, error) {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userText})

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.Backoff * time.Duration(1<<(attempt-1))
			c.log.Warn().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).
				Msg("retrying completion request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		comp, retryable, err := c.doChat(ctx, model, messages)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doChat(ctx context.Context, model string, messages []Message) (*Completion, bool, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Stream:      false,
	})
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, isTimeout(err), fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}

	content := ""
	switch {
	case len(parsed.Choices) > 0:
		content = parsed.Choices[0].Message.Content
	case parsed.Response != "":
		content = parsed.Response
	case parsed.Content != "":
		content = parsed.Content
	}
	if content == "" {
		return nil, false, fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	return &Completion{Content: content, TokensUsed: parsed.Usage.TotalTokens}, false, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels fetches the model IDs the upstream exposes.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/models", nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}

	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// Health reports whether the upstream answers its models endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// UserMessage maps an upstream failure to text safe to show end users.
func UserMessage(err error) string {
	if errors.Is(err, ErrUpstream) {
		return "The assistant is temporarily unavailable. Please try again in a moment."
	}
	return "Something went wrong. Please try again."
}
