// Package mcp exposes task submission and inspection as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/iambrandonn/autodev/internal/orchestrator"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/task"
)

// Submitter starts tasks
type Submitter interface {
	Submit(ctx context.Context, prompt string) (*orchestrator.Handle, error)
}

// Server exposes the task registry as MCP tools
type Server struct {
	server    *gomcp.Server
	registry  *task.Registry
	submitter Submitter
	logger    *slog.Logger
}

// NewServer creates an MCP server over the registry
func NewServer(registry *task.Registry, submitter Submitter, version string, logger *slog.Logger) *Server {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry:  registry,
		submitter: submitter,
		logger:    logger,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "autodev", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run serves over stdio until the client disconnects or ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

type createTaskInput struct {
	Prompt string `json:"prompt" jsonschema:"required,what to build, in plain language"`
}

type createTaskOutput struct {
	TaskID      string `json:"task_id"`
	ProjectPath string `json:"project_path"`
}

type getTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task id returned by create_task"`
}

type stepOutput struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
}

type taskOutput struct {
	ID            string              `json:"id"`
	Prompt        string              `json:"prompt"`
	Status        string              `json:"status"`
	Language      string              `json:"language,omitempty"`
	ProjectPath   string              `json:"project_path"`
	Created       string              `json:"created"`
	Plan          []stepOutput        `json:"plan"`
	LogEntries    int                 `json:"log_entries"`
	TokenUsage    protocol.TokenUsage `json:"token_usage"`
	ExecutionTime float64             `json:"execution_time"`
}

type listTasksInput struct {
	Status string `json:"status,omitempty" jsonschema:"filter tasks by status (pending, running, completed, failed)"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_task",
		Description: "Start a new task from a natural-language prompt. The task runs in the background; poll get_task for progress.",
	}, s.handleCreateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get a task's status, plan, token usage and workspace path by ID.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks, most recent first. Optionally filter by status.",
	}, s.handleListTasks)
}

func (s *Server) handleCreateTask(ctx context.Context, _ *gomcp.CallToolRequest, input createTaskInput) (*gomcp.CallToolResult, createTaskOutput, error) {
	h, err := s.submitter.Submit(ctx, input.Prompt)
	if errors.Is(err, orchestrator.ErrEmptyPrompt) {
		return errorResult("prompt is required"), createTaskOutput{}, nil
	}
	if err != nil {
		s.logger.Error("failed to submit task", "error", err)
		return errorResult(fmt.Sprintf("creating task: %s", err)), createTaskOutput{}, nil
	}

	out := createTaskOutput{TaskID: h.TaskID}
	if snap, ok := s.registry.Get(h.TaskID); ok {
		out.ProjectPath = snap.ProjectPath
	}
	return nil, out, nil
}

func (s *Server) handleGetTask(_ context.Context, _ *gomcp.CallToolRequest, input getTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskOutput{}, nil
	}

	snap, ok := s.registry.Get(input.TaskID)
	if !ok {
		return errorResult(fmt.Sprintf("task %s not found", input.TaskID)), taskOutput{}, nil
	}

	return nil, snapshotToOutput(snap), nil
}

func (s *Server) handleListTasks(_ context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	filter := strings.ToLower(strings.TrimSpace(input.Status))
	switch filter {
	case "", "pending", "running", "completed", "failed":
	default:
		return errorResult(fmt.Sprintf("invalid status %q: must be one of pending, running, completed, failed", input.Status)), listTasksOutput{}, nil
	}

	out := listTasksOutput{Tasks: []taskOutput{}}
	for _, snap := range s.registry.List() {
		if !matchesStatus(snap.Status, filter) {
			continue
		}
		out.Tasks = append(out.Tasks, snapshotToOutput(snap))
	}
	out.Count = len(out.Tasks)

	return nil, out, nil
}

// matchesStatus compares a task status against a filter. "failed" matches
// every failure reason.
func matchesStatus(status, filter string) bool {
	if filter == "" {
		return true
	}
	return task.Status(status) == task.Status(filter) ||
		(filter == "failed" && task.Status(status).IsFailed())
}

func snapshotToOutput(snap protocol.Snapshot) taskOutput {
	out := taskOutput{
		ID:            snap.ID,
		Prompt:        snap.Prompt,
		Status:        snap.Status,
		Language:      snap.Language,
		ProjectPath:   snap.ProjectPath,
		Created:       snap.CreatedAt.Format(time.RFC3339),
		Plan:          make([]stepOutput, len(snap.Plan.Steps)),
		LogEntries:    len(snap.Steps),
		TokenUsage:    snap.TokenUsage,
		ExecutionTime: snap.ExecutionTime,
	}
	for i, st := range snap.Plan.Steps {
		out.Plan[i] = stepOutput{ID: st.ID, Description: st.Description, Status: st.Status, Result: st.Result}
	}
	return out
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
