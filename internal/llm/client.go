package llm

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

	"golang.org/x/time/rate"
)

const (
	defaultTimeout          = 120 * time.Second
	defaultMaxResponseBytes = 8 << 20
	defaultRequestsPerSec   = 5
)

// Completer produces a completion for one prompt. Implementations report
// failures as *TransportError.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type HTTPConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	SystemPrompt      string
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxResponseBytes  int64
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

func NewHTTPClient(cfg HTTPConfig, opts ...HTTPOption) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	c := &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &TransportError{Category: ThreadInterrupted, Message: "rate limiter wait aborted", Err: err}
	}

	messages := make([]chatMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", &TransportError{Category: JSONParseError, Message: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Category: GenericError, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return "", classify(ctx, err)
	}
	if int64(len(raw)) > c.cfg.MaxResponseBytes {
		return "", &TransportError{
			Category:   OutOfMemory,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", c.cfg.MaxResponseBytes),
		}
	}

	switch {
	case resp.StatusCode >= 500:
		return "", &TransportError{Category: HTTPServerError, StatusCode: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode >= 400:
		return "", &TransportError{Category: HTTPClientError, StatusCode: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &TransportError{Category: GenericError, StatusCode: resp.StatusCode, Message: "unexpected status"}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &TransportError{Category: JSONParseError, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &TransportError{Category: JSONParseError, StatusCode: resp.StatusCode, Message: "response has no choices", Err: errors.New("empty choices")}
	}

	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &TransportError{Category: JSONParseError, StatusCode: resp.StatusCode, Message: "response has empty content", Err: errors.New("empty content")}
	}
	return content, nil
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
