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

// DefaultOllamaURL is where a local Ollama server listens
const DefaultOllamaURL = "http://127.0.0.1:11434"

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

type ollamaError struct {
	Error string `json:"error"`
}

// Ollama talks to an Ollama server's chat endpoint
type Ollama struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama client, filling unset config with defaults
func NewOllama(cfg Config, logger *slog.Logger) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &Ollama{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Ask sends req to /api/chat without streaming
func (o *Ollama) Ask(ctx context.Context, req Request) (Response, error) {
	opts := withDefaults(req.Options, o.cfg)

	body := ollamaChatRequest{
		Model:    o.cfg.Model,
		Messages: req.Messages(),
		Stream:   false,
	}
	if opts.JSON {
		body.Format = "json"
	}
	body.Options = &ollamaOptions{Temperature: *opts.Temperature, NumPredict: opts.MaxTokens}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	resp, err := withRetry(ctx, o.cfg.MaxRetries, o.cfg.RetryDelay, func() (Response, error) {
		return o.chat(ctx, payload)
	})
	if err != nil {
		o.logger.Warn("llm request failed", "provider", ProviderOllama, "purpose", req.Purpose, "error", err)
		return Response{}, err
	}

	o.logger.Debug("llm request completed",
		"provider", ProviderOllama,
		"purpose", req.Purpose,
		"input_tokens", resp.Usage.Input,
		"completion_tokens", resp.Usage.Completion,
		"duration", time.Since(start))
	return resp, nil
}

func (o *Ollama) chat(ctx context.Context, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return Response{}, fmt.Errorf("%w: %s", ErrModelNotFound, o.cfg.Model)
	}
	if httpResp.StatusCode != http.StatusOK {
		var apiErr ollamaError
		_ = json.NewDecoder(httpResp.Body).Decode(&apiErr)
		return Response{}, &APIError{StatusCode: httpResp.StatusCode, Message: apiErr.Error}
	}

	var decoded ollamaChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(decoded.Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Text:  decoded.Message.Content,
		Usage: Usage{Input: decoded.PromptEvalCount, Completion: decoded.EvalCount},
	}, nil
}
