package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/iambrandonn/autodev/internal/llm"
)

// DefaultFile is the config file name searched for in the working directory
const DefaultFile = "config.toml"

// EnvPrefix prefixes environment overrides, e.g. AUTODEV_LLM_MODEL
const EnvPrefix = "AUTODEV"

// ollamaPort is never used for the API server
const ollamaPort = 11434

// Config represents the config.toml configuration file
type Config struct {
	Server    Server    `mapstructure:"server" toml:"server"`
	LLM       LLM       `mapstructure:"llm" toml:"llm"`
	Workspace Workspace `mapstructure:"workspace" toml:"workspace"`
	Executor  Executor  `mapstructure:"executor" toml:"executor"`
	Agent     Agent     `mapstructure:"agent" toml:"agent"`
	Log       Log       `mapstructure:"log" toml:"log"`

	// source is the file the config was read from, empty for defaults
	source string
}

// Server configures the HTTP API
type Server struct {
	Host              string        `mapstructure:"host" toml:"host"`
	Port              int           `mapstructure:"port" toml:"port"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" toml:"allowed_origins"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" toml:"heartbeat_interval"`
}

// LLM configures the language model backend
type LLM struct {
	Provider          string        `mapstructure:"provider" toml:"provider"`
	BaseURL           string        `mapstructure:"base_url" toml:"base_url"`
	Model             string        `mapstructure:"model" toml:"model"`
	APIKey            string        `mapstructure:"api_key" toml:"api_key"`
	Temperature       float64       `mapstructure:"temperature" toml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" toml:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout" toml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" toml:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" toml:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" toml:"burst"`
}

// Workspace configures where task projects and event archives live
type Workspace struct {
	Root      string `mapstructure:"root" toml:"root"`
	EventsDir string `mapstructure:"events_dir" toml:"events_dir"`
	Watch     bool   `mapstructure:"watch" toml:"watch"`
}

// Executor configures step execution
type Executor struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" toml:"command_timeout"`
	LoopThreshold  int           `mapstructure:"loop_threshold" toml:"loop_threshold"`
}

// Agent configures the LLM-backed agents
type Agent struct {
	MaxSteps int `mapstructure:"max_steps" toml:"max_steps"`
}

// Log configures process logging
type Log struct {
	Level string `mapstructure:"level" toml:"level"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Server: Server{
			Host:              "127.0.0.1",
			Port:              8000,
			AllowedOrigins:    []string{"http://localhost:3000"},
			HeartbeatInterval: 15 * time.Second,
		},
		LLM: LLM{
			Provider:          llm.ProviderOllama,
			BaseURL:           llm.DefaultOllamaURL,
			Model:             "llama3.1",
			Temperature:       0.2,
			MaxTokens:         4096,
			Timeout:           2 * time.Minute,
			MaxRetries:        3,
			RetryDelay:        2 * time.Second,
			RequestsPerSecond: 0,
			Burst:             1,
		},
		Workspace: Workspace{
			Root:      "./workspace",
			EventsDir: "./workspace/.events",
			Watch:     true,
		},
		Executor: Executor{
			CommandTimeout: 2 * time.Minute,
			LoopThreshold:  3,
		},
		Agent: Agent{
			MaxSteps: 5,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := GenerateDefault()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.heartbeat_interval", d.Server.HeartbeatInterval)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.retry_delay", d.LLM.RetryDelay)
	v.SetDefault("llm.requests_per_second", d.LLM.RequestsPerSecond)
	v.SetDefault("llm.burst", d.LLM.Burst)

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.events_dir", d.Workspace.EventsDir)
	v.SetDefault("workspace.watch", d.Workspace.Watch)

	v.SetDefault("executor.command_timeout", d.Executor.CommandTimeout)
	v.SetDefault("executor.loop_threshold", d.Executor.LoopThreshold)

	v.SetDefault("agent.max_steps", d.Agent.MaxSteps)

	v.SetDefault("log.level", d.Log.Level)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the configuration. An empty path searches the working
// directory for config.toml and falls back to defaults when none exists;
// an explicit path must exist. Environment variables override both.
func Load(path string) (*Config, error) {
	v := newViper()
	if path == "" {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return decode(v)
}

// Parse reads configuration from TOML content, with defaults for missing keys
func Parse(content []byte) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.source = v.ConfigFileUsed()

	if cfg.Server.Port == ollamaPort {
		cfg.Server.Port = GenerateDefault().Server.Port
	}
	return &cfg, nil
}

// Source returns the file the config was read from, or "" for defaults
func (c *Config) Source() string {
	return c.source
}

// CheckSyntax reports whether content is well-formed TOML
func CheckSyntax(content string) error {
	var doc map[string]any
	if _, err := toml.Decode(content, &doc); err != nil {
		return fmt.Errorf("invalid TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("configuration error: invalid 'server.port' value: %d\n\nHint: Use a free TCP port, for example:\n  [server]\n  port = 8000", c.Server.Port)
	}

	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("configuration error: 'server.heartbeat_interval' must be positive\n\nHint: Set an interval like:\n  [server]\n  heartbeat_interval = \"15s\"")
	}

	switch strings.ToLower(c.LLM.Provider) {
	case llm.ProviderOllama, llm.ProviderOpenAI:
	default:
		return fmt.Errorf("configuration error: unknown 'llm.provider' %q\n\nHint: Choose one of:\n  provider = \"ollama\"\n  provider = \"openai\"", c.LLM.Provider)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("configuration error: missing required field 'llm.model'\n\nHint: Name the model to use:\n  [llm]\n  model = \"llama3.1\"")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("configuration error: invalid 'llm.temperature' value: %g\n\nHint: Temperature must be between 0 and 2; low values give parseable answers:\n  temperature = 0.2", c.LLM.Temperature)
	}

	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("configuration error: invalid 'llm.requests_per_second' value: %g\n\nHint: Use 0 to disable rate limiting", c.LLM.RequestsPerSecond)
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("configuration error: missing required field 'workspace.root'\n\nHint: Choose a directory for task projects:\n  [workspace]\n  root = \"./workspace\"")
	}

	if c.Executor.LoopThreshold < 1 {
		return fmt.Errorf("configuration error: invalid 'executor.loop_threshold' value: %d\n\nHint: A step is abandoned after this many failures:\n  [executor]\n  loop_threshold = 3", c.Executor.LoopThreshold)
	}

	if c.Executor.CommandTimeout <= 0 {
		return fmt.Errorf("configuration error: 'executor.command_timeout' must be positive\n\nHint: Bound generated programs, for example:\n  [executor]\n  command_timeout = \"2m\"")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("configuration error: invalid 'log.level' %q\n\nHint: Use one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}

// ClientConfig converts the llm section for the model client
func (l LLM) ClientConfig() llm.Config {
	return llm.Config{
		Provider:          strings.ToLower(l.Provider),
		BaseURL:           l.BaseURL,
		Model:             l.Model,
		APIKey:            l.APIKey,
		Temperature:       l.Temperature,
		MaxTokens:         l.MaxTokens,
		Timeout:           l.Timeout,
		MaxRetries:        l.MaxRetries,
		RetryDelay:        l.RetryDelay,
		RequestsPerSecond: l.RequestsPerSecond,
		Burst:             l.Burst,
	}
}

// Encode renders the configuration as TOML
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# autodev configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveToFile writes the configuration to a TOML file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile writes raw config content with 0600 permissions
func WriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0600); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return nil
}
