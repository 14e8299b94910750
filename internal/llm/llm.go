package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single request. A nil Temperature or zero MaxTokens
// defers to the client config.
type Options struct {
	Temperature *float64
	MaxTokens   int
	JSON        bool
}

// Temperature returns a pointer to t for use in Options
func Temperature(t float64) *float64 {
	return &t
}

// Request is one prompt to a language model. Purpose names the kind of
// question being asked and is used for logging and test scripting.
type Request struct {
	Purpose string
	System  []string
	User    []string
	Options Options
}

// Messages renders the request as chat messages, system turns first
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.System)+len(r.User))
	for _, s := range r.System {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s})
	}
	for _, u := range r.User {
		msgs = append(msgs, Message{Role: RoleUser, Content: u})
	}
	return msgs
}

// Usage counts tokens spent on requests
type Usage struct {
	Input      int
	Completion int
}

// Total returns input plus completion tokens
func (u Usage) Total() int {
	return u.Input + u.Completion
}

// Add returns the sum of two usages
func (u Usage) Add(o Usage) Usage {
	return Usage{Input: u.Input + o.Input, Completion: u.Completion + o.Completion}
}

// Response is the model's answer to a Request
type Response struct {
	Text  string
	Usage Usage
}

// Client asks a language model a question
type Client interface {
	Ask(ctx context.Context, req Request) (Response, error)
}

// UsageReporter exposes accumulated token counters
type UsageReporter interface {
	Usage() Usage
}

// Provider names
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and tunes the model backend
type Config struct {
	Provider          string
	BaseURL           string
	Model             string
	APIKey            string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
}

// New builds the configured client wrapped with rate limiting and metering
func New(cfg Config, logger *slog.Logger) (*Meter, error) {
	var base Client
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		base = NewOllama(cfg, logger)
	case ProviderOpenAI:
		base = NewOpenAI(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	return NewMeter(NewRateLimited(base, cfg.RequestsPerSecond, cfg.Burst)), nil
}

// withDefaults fills unset options from cfg. Temperature is always set on
// return; zero is a valid temperature.
func withDefaults(opts Options, cfg Config) Options {
	if opts.Temperature == nil {
		opts.Temperature = Temperature(cfg.Temperature)
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = cfg.MaxTokens
	}
	return opts
}
