package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaAsk(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen",
			"message":           map[string]string{"role": "assistant", "content": `{"ok":true}`},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	client := NewOllama(Config{BaseURL: srv.URL, Model: "qwen", Temperature: 0.2}, testLogger())
	resp, err := client.Ask(context.Background(), Request{
		Purpose: "plan",
		System:  []string{"be brief"},
		User:    []string{"hello"},
		Options: Options{JSON: true},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, Usage{Input: 12, Completion: 5}, resp.Usage)
	assert.Equal(t, 17, resp.Usage.Total())

	assert.Equal(t, "qwen", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "json", got.Format)
	require.NotNil(t, got.Options)
	assert.Equal(t, 0.2, got.Options.Temperature)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hello"}}, got.Messages)
}

func TestOllamaSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "go"}, "done": true}`))
	}))
	defer srv.Close()

	client := NewOllama(Config{BaseURL: srv.URL, Model: "m", Temperature: 0}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	require.NoError(t, err)

	opts, ok := got["options"].(map[string]any)
	require.True(t, ok, "options block missing: %v", got)
	temp, ok := opts["temperature"]
	require.True(t, ok, "temperature missing: %v", opts)
	assert.Equal(t, float64(0), temp)

	_, err = client.Ask(context.Background(), Request{User: []string{"hi"}, Options: Options{Temperature: Temperature(0.7)}})
	require.NoError(t, err)
	assert.Equal(t, 0.7, got["options"].(map[string]any)["temperature"])
}

func TestOllamaModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllama(Config{BaseURL: srv.URL, Model: "missing"}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestOllamaNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllama(Config{BaseURL: url, MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestOllamaRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"loading model"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"done"},"done":true}`))
	}))
	defer srv.Close()

	client := NewOllama(Config{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())
	resp, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad options"}`))
	}))
	defer srv.Close()

	client := NewOllama(Config{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad options", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIAsk(t *testing.T) {
	var got openAIChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "python"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 2}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL, Model: "gpt", APIKey: "secret", MaxTokens: 64}, testLogger())
	resp, err := client.Ask(context.Background(), Request{User: []string{"which language?"}, Options: Options{JSON: true}})
	require.NoError(t, err)

	assert.Equal(t, "python", resp.Text)
	assert.Equal(t, Usage{Input: 30, Completion: 2}, resp.Usage)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "gpt", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, map[string]any{"type": "json_object"}, got.ResponseFormat)
}

func TestOpenAISendsZeroTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "go"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL, Model: "m", Temperature: 0}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	require.NoError(t, err)

	temp, ok := got["temperature"]
	require.True(t, ok, "temperature missing: %v", got)
	assert.Equal(t, float64(0), temp)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL}, testLogger())
	_, err := client.Ask(context.Background(), Request{User: []string{"hi"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"":                           "",
		"localhost:1234":             "http://localhost:1234/v1",
		"http://localhost:1234/":     "http://localhost:1234/v1",
		"https://api.example.com/v1": "https://api.example.com/v1",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeBaseURL(in), "input %q", in)
	}
}

type staticClient struct {
	resp  Response
	err   error
	calls atomic.Int32
}

func (s *staticClient) Ask(ctx context.Context, req Request) (Response, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

func TestMeterAccumulatesUsage(t *testing.T) {
	inner := &staticClient{resp: Response{Text: "x", Usage: Usage{Input: 3, Completion: 4}}}
	m := NewMeter(inner)

	for i := 0; i < 3; i++ {
		_, err := m.Ask(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, Usage{Input: 9, Completion: 12}, m.Usage())
	assert.Equal(t, 3, m.Calls())

	inner.err = errors.New("boom")
	_, err := m.Ask(context.Background(), Request{})
	assert.Error(t, err)
	assert.Equal(t, 3, m.Calls())

	var _ UsageReporter = m
}

func TestRateLimitedHonorsContext(t *testing.T) {
	inner := &staticClient{resp: Response{Text: "x"}}
	limited := NewRateLimited(inner, 0.001, 1)

	_, err := limited.Ask(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Ask(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	assert.Same(t, Client(inner), NewRateLimited(inner, 0, 0))
}

func TestNewSelectsProvider(t *testing.T) {
	_, err := New(Config{Provider: "ollama"}, testLogger())
	assert.NoError(t, err)
	_, err = New(Config{Provider: "OpenAI"}, testLogger())
	assert.NoError(t, err)
	_, err = New(Config{Provider: "carrier-pigeon"}, testLogger())
	assert.ErrorContains(t, err, "unknown llm provider")
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `  {"a":1}  `, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\nprint(1)\n```\n", "print(1)"},
		{"unterminated", "```python\nprint(1)\n", "print(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Filename string `json:"filename"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"filename\": \"main.py\"}\n```", &v))
	assert.Equal(t, "main.py", v.Filename)

	assert.Error(t, DecodeJSON("", &v))
	assert.Error(t, DecodeJSON("Sure! Here it is: {}", &v))
	assert.Error(t, DecodeJSON(`{"filename": "a"} {"filename": "b"}`, &v))
}
