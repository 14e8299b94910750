// Package httpapi exposes tasks over HTTP with server-sent event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/autodev/internal/config"
	"github.com/iambrandonn/autodev/internal/fsutil"
	"github.com/iambrandonn/autodev/internal/orchestrator"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/task"
)

const (
	// MaxRequestBodySize bounds JSON request bodies
	MaxRequestBodySize = 1 << 20

	// DefaultHeartbeat is the comment interval on idle event streams
	DefaultHeartbeat = 15 * time.Second

	// DefaultConfigSource names the generated configuration served when no
	// config file exists
	DefaultConfigSource = "default"
)

// Submitter starts tasks
type Submitter interface {
	Submit(ctx context.Context, prompt string) (*orchestrator.Handle, error)
}

// Options configures a Server
type Options struct {
	Registry  *task.Registry
	Submitter Submitter

	// WorkspaceRoot bounds the files served by /download
	WorkspaceRoot string
	// ConfigPath is the file read and written by /api/config
	ConfigPath string

	AllowedOrigins []string
	Heartbeat      time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API
type Server struct {
	router *http.ServeMux
	server *http.Server

	registry      *task.Registry
	submitter     Submitter
	workspaceRoot string
	configPath    string
	origins       []string
	heartbeat     time.Duration

	logger *slog.Logger
}

// NewServer creates a server with its routes registered
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Submitter == nil:
		return nil, errors.New("submitter is required")
	case opts.WorkspaceRoot == "":
		return nil, errors.New("workspace root is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.DefaultFile
	}

	s := &Server{
		router:        http.NewServeMux(),
		registry:      opts.Registry,
		submitter:     opts.Submitter,
		workspaceRoot: opts.WorkspaceRoot,
		configPath:    configPath,
		origins:       opts.AllowedOrigins,
		heartbeat:     heartbeat,
		logger:        logger,
	}
	s.setupRoutes()

	// no write timeout: event streams stay open for the life of a task
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /tasks", s.handleCreateTask)
	s.router.HandleFunc("GET /tasks", s.handleListTasks)
	s.router.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.router.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)

	s.router.HandleFunc("GET /download", s.handleDownload)

	s.router.HandleFunc("GET /api/config", s.handleGetConfig)
	s.router.HandleFunc("POST /api/config", s.handleSaveConfig)
}

// Handler returns the routes wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		CORSMiddleware(s.origins),
	)(s.router)
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

type createTaskRequest struct {
	Prompt string `json:"prompt"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

// handleCreateTask handles POST /tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.submitter.Submit(r.Context(), req.Prompt)
	if errors.Is(err, orchestrator.ErrEmptyPrompt) {
		writeDetail(w, http.StatusBadRequest, "Prompt must not be empty")
		return
	}
	if err != nil {
		s.logger.Error("failed to submit task", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	writeJSON(w, http.StatusOK, createTaskResponse{TaskID: h.TaskID})
}

// handleListTasks handles GET /tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetTask handles GET /tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleTaskEvents handles GET /tasks/{id}/events. The stream starts with
// a status snapshot and ends after the terminal event.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	taskID := r.PathValue("id")
	sub, err := s.registry.Subscribe(taskID)
	if err != nil {
		_ = writeEvent(w, protocol.ErrorEvent{Message: "Task not found"})
		flusher.Flush()
		return
	}
	defer sub.Close()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream client disconnected", "task_id", taskID)
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("event stream write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
			if evt.Type().IsTerminal() {
				return
			}
		}
	}
}

// handleDownload handles GET /download?file_path=. The path may be
// relative to the workspace root or a path inside it as reported in task
// snapshots.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("file_path")
	if requested == "" {
		writeDetail(w, http.StatusBadRequest, "file_path is required")
		return
	}

	full, err := s.resolveDownload(requested)
	if err != nil {
		if errors.Is(err, fsutil.ErrPathEscape) {
			writeDetail(w, http.StatusForbidden, "Access denied")
			return
		}
		s.logger.Error("failed to resolve download", "file_path", requested, "error", err)
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(full)))
	http.ServeFile(w, r, full)
}

func (s *Server) resolveDownload(requested string) (string, error) {
	root, err := filepath.Abs(s.workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	rel := requested
	if abs, err := filepath.Abs(requested); err == nil {
		if r, err := filepath.Rel(root, abs); err == nil && !escapes(r) {
			rel = r
		} else if filepath.IsAbs(requested) {
			return "", fmt.Errorf("%w: %s", fsutil.ErrPathEscape, requested)
		}
	}

	return fsutil.ResolveWorkspacePath(root, rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type configResponse struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

type saveConfigRequest struct {
	Content string `json:"content"`
}

// handleGetConfig handles GET /api/config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.configPath)
	if err == nil {
		writeJSON(w, http.StatusOK, configResponse{Content: string(data), Source: s.configPath})
		return
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("failed to read config", "path", s.configPath, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to read config")
		return
	}

	data, err = config.GenerateDefault().Encode()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Content: string(data), Source: DefaultConfigSource})
}

// handleSaveConfig handles POST /api/config. Content that is not valid
// TOML or fails validation is rejected without touching the file.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req saveConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := config.CheckSyntax(req.Content); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := config.Parse([]byte(req.Content))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := config.WriteFile(s.configPath, []byte(req.Content)); err != nil {
		s.logger.Error("failed to save config", "path", s.configPath, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to save config")
		return
	}

	s.logger.Info("config saved", "path", s.configPath)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeEvent writes one server-sent event named after the event type
func writeEvent(w http.ResponseWriter, evt protocol.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", evt.Type(), err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type(), data)
	return err
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes an error response shaped {"detail": message}
func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
