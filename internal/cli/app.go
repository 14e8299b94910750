package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/autodev/internal/config"
	"github.com/iambrandonn/autodev/internal/langs"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/orchestrator"
	"github.com/iambrandonn/autodev/internal/supervisor"
	"github.com/iambrandonn/autodev/internal/task"
	"github.com/iambrandonn/autodev/internal/workspace"
)

// Construction hooks, replaced in tests
var (
	newLLMClient = func(cfg config.LLM, logger *slog.Logger) (llm.Client, error) {
		return llm.New(cfg.ClientConfig(), logger)
	}
	newRunner = func(cfg config.Executor, logger *slog.Logger) supervisor.Runner {
		return supervisor.NewProcessRunner(cfg.CommandTimeout, nil, logger)
	}
)

// app is the wired set of services shared by every command
type app struct {
	cfg          *config.Config
	configPath   string
	logger       *slog.Logger
	workspace    *workspace.Manager
	registry     *task.Registry
	orchestrator *orchestrator.Orchestrator
}

// loadApp reads the configuration named by the persistent flags and wires
// the services. Logs go to logOut.
func loadApp(cmd *cobra.Command, logOut io.Writer, newAgent orchestrator.AgentFactory) (*app, error) {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	override, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(logOut, cfg.Log.Level, override)
	if err != nil {
		return nil, err
	}
	if cfg.Source() != "" {
		logger.Info("loaded configuration", "path", cfg.Source())
	} else {
		logger.Debug("no config file found, using defaults")
	}

	return newApp(cfg, configPath, logger, newAgent)
}

// loadConfig loads and validates the configuration. The returned path is
// where the configuration lives or would be saved.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	switch {
	case path != "":
	case cfg.Source() != "":
		path = cfg.Source()
	default:
		path = config.DefaultFile
	}
	return cfg, path, nil
}

func newApp(cfg *config.Config, configPath string, logger *slog.Logger, newAgent orchestrator.AgentFactory) (*app, error) {
	client, err := newLLMClient(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}

	ws := workspace.NewManager(cfg.Workspace.Root, logger)
	registry := task.NewRegistry(ws, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:      registry,
		Workspace:     ws,
		LLM:           client,
		Runner:        newRunner(cfg.Executor, logger),
		Languages:     langs.Default(),
		LoopThreshold: cfg.Executor.LoopThreshold,
		MaxAgentSteps: cfg.Agent.MaxSteps,
		EventsDir:     cfg.Workspace.EventsDir,
		Watch:         cfg.Workspace.Watch,
		NewAgent:      newAgent,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &app{
		cfg:          cfg,
		configPath:   configPath,
		logger:       logger,
		workspace:    ws,
		registry:     registry,
		orchestrator: orch,
	}, nil
}
