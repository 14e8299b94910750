package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type openAIChatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint
type OpenAI struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible client
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &OpenAI{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

// Ask posts req to /chat/completions
func (c *OpenAI) Ask(ctx context.Context, req Request) (Response, error) {
	opts := withDefaults(req.Options, c.cfg)

	body := openAIChatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages(),
		Temperature: *opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := withRetry(ctx, c.cfg.MaxRetries, c.cfg.RetryDelay, func() (Response, error) {
		return c.complete(ctx, payload)
	})
	if err != nil {
		c.logger.Warn("llm request failed", "provider", ProviderOpenAI, "purpose", req.Purpose, "error", err)
		return Response{}, err
	}

	c.logger.Debug("llm request completed",
		"provider", ProviderOpenAI,
		"purpose", req.Purpose,
		"input_tokens", resp.Usage.Input,
		"completion_tokens", resp.Usage.Completion)
	return resp, nil
}

func (c *OpenAI) complete(ctx context.Context, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer httpResp.Body.Close()

	var decoded openAIChatResponse
	decodeErr := json.NewDecoder(httpResp.Body).Decode(&decoded)

	if httpResp.StatusCode == http.StatusNotFound {
		return Response{}, fmt.Errorf("%w: %s", ErrModelNotFound, c.cfg.Model)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if decodeErr == nil && decoded.Error != nil {
			apiErr.Message = decoded.Error.Message
		}
		return Response{}, apiErr
	}
	if decodeErr != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Text: decoded.Choices[0].Message.Content,
		Usage: Usage{
			Input:      decoded.Usage.PromptTokens,
			Completion: decoded.Usage.CompletionTokens,
		},
	}, nil
}
