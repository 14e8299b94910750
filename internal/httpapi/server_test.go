package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/autodev/internal/config"
	"github.com/iambrandonn/autodev/internal/orchestrator"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/task"
	"github.com/iambrandonn/autodev/internal/workspace"
)

// fakeSubmitter registers tasks without running them so tests drive the
// registry by hand
type fakeSubmitter struct {
	registry *task.Registry

	mu      sync.Mutex
	prompts []string
}

func (f *fakeSubmitter) Submit(_ context.Context, prompt string) (*orchestrator.Handle, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, orchestrator.ErrEmptyPrompt
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	snap, err := f.registry.Create(prompt)
	if err != nil {
		return nil, err
	}
	return &orchestrator.Handle{TaskID: snap.ID}, nil
}

type harness struct {
	root       string
	configPath string
	registry   *task.Registry
	submitter  *fakeSubmitter
	server     *httptest.Server
}

func newHarness(t *testing.T, heartbeat time.Duration) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	registry := task.NewRegistry(workspace.NewManager(root, logger), logger)
	submitter := &fakeSubmitter{registry: registry}
	configPath := filepath.Join(t.TempDir(), "config.toml")

	s, err := NewServer(Options{
		Registry:       registry,
		Submitter:      submitter,
		WorkspaceRoot:  root,
		ConfigPath:     configPath,
		AllowedOrigins: []string{"http://localhost:3000"},
		Heartbeat:      heartbeat,
		Logger:         logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &harness{root: root, configPath: configPath, registry: registry, submitter: submitter, server: ts}
}

func (h *harness) url(path string) string {
	return h.server.URL + path
}

func (h *harness) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.url(path), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.url(path))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func detailOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	decodeResponse(t, resp, &body)
	return body.Detail
}

// sseRecord is one parsed server-sent event or comment
type sseRecord struct {
	name    string
	data    string
	comment string
}

type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(r)}
}

// next returns the next record, or false at end of stream
func (r *sseReader) next() (sseRecord, bool) {
	var rec sseRecord
	seen := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if seen {
				return rec, true
			}
		case strings.HasPrefix(line, ":"):
			rec.comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			seen = true
		case strings.HasPrefix(line, "event: "):
			rec.name = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			rec.data = strings.TrimPrefix(line, "data: ")
			seen = true
		}
	}
	return rec, false
}

// nextEvent skips heartbeats and decodes the next event
func (r *sseReader) nextEvent(t *testing.T) protocol.Event {
	t.Helper()
	for {
		rec, ok := r.next()
		require.True(t, ok, "stream ended early")
		if rec.name == "" {
			continue
		}
		evt, err := protocol.DecodeEvent([]byte(rec.data))
		require.NoError(t, err)
		assert.Equal(t, rec.name, string(evt.Type()))
		return evt
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.postJSON(t, "/tasks", `{"prompt": "print hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TaskID string `json:"task_id"`
	}
	decodeResponse(t, resp, &body)
	require.NotEmpty(t, body.TaskID)

	snap, ok := h.registry.Get(body.TaskID)
	require.True(t, ok)
	assert.Equal(t, "print hello world", snap.Prompt)
	h.submitter.mu.Lock()
	defer h.submitter.mu.Unlock()
	assert.Equal(t, []string{"print hello world"}, h.submitter.prompts)
}

func TestCreateTaskRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.postJSON(t, "/tasks", `{"prompt": "   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, detailOf(t, resp))
	assert.Empty(t, h.registry.List())
}

func TestCreateTaskRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.postJSON(t, "/tasks", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndGetTasks(t *testing.T) {
	h := newHarness(t, time.Minute)

	first, err := h.registry.Create("first")
	require.NoError(t, err)
	_, err = h.registry.Create("second")
	require.NoError(t, err)

	resp := h.get(t, "/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var list []protocol.Snapshot
	decodeResponse(t, resp, &list)
	assert.Len(t, list, 2)

	resp = h.get(t, "/tasks/"+first.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap protocol.Snapshot
	decodeResponse(t, resp, &snap)
	assert.Equal(t, first.ID, snap.ID)
	assert.Equal(t, "pending", snap.Status)
	assert.NotNil(t, snap.Steps)
}

func TestListTasksEmptyIsArray(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.get(t, "/tasks")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestGetUnknownTask(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.get(t, "/tasks/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Task not found", detailOf(t, resp))
}

func TestEventsUnknownTask(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.get(t, "/tasks/nope/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := newSSEReader(resp.Body)
	evt := r.nextEvent(t)
	assert.Equal(t, protocol.ErrorEvent{Message: "Task not found"}, evt)

	_, more := r.next()
	assert.False(t, more)
}

func TestEventsStreamLiveTask(t *testing.T) {
	h := newHarness(t, time.Minute)

	snap, err := h.registry.Create("hello")
	require.NoError(t, err)

	resp := h.get(t, "/tasks/"+snap.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r := newSSEReader(resp.Body)

	first := r.nextEvent(t)
	status, ok := first.(protocol.StatusEvent)
	require.True(t, ok, "first event must be a status snapshot, got %T", first)
	assert.Equal(t, "pending", status.Status)

	require.NoError(t, h.registry.Start(snap.ID))
	h.registry.AppendStep(snap.ID, protocol.LogEvent{Step: 1, Result: "Wrote src/main.py", Level: protocol.LogLevelInfo})
	require.NoError(t, h.registry.Complete(snap.ID))

	var types []protocol.EventType
	for {
		evt := r.nextEvent(t)
		types = append(types, evt.Type())
		if evt.Type().IsTerminal() {
			break
		}
	}

	assert.Equal(t, []protocol.EventType{
		protocol.EventStatus,
		protocol.EventLog,
		protocol.EventStatus,
		protocol.EventStatus,
		protocol.EventComplete,
	}, types)

	_, more := r.next()
	assert.False(t, more, "stream must end after the terminal event")
}

func TestEventsFinishedTaskReplaysTerminal(t *testing.T) {
	h := newHarness(t, time.Minute)

	snap, err := h.registry.Create("hello")
	require.NoError(t, err)
	require.NoError(t, h.registry.Start(snap.ID))
	require.NoError(t, h.registry.Fail(snap.ID, "stuck in a loop"))

	resp := h.get(t, "/tasks/"+snap.ID+"/events")
	r := newSSEReader(resp.Body)

	status, ok := r.nextEvent(t).(protocol.StatusEvent)
	require.True(t, ok)
	assert.Equal(t, "failed: stuck in a loop", status.Status)

	assert.Equal(t, protocol.ErrorEvent{Message: "stuck in a loop"}, r.nextEvent(t))
}

func TestEventsHeartbeat(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)

	snap, err := h.registry.Create("hello")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url("/tasks/"+snap.ID+"/events"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := newSSEReader(resp.Body)
	for {
		rec, ok := r.next()
		require.True(t, ok, "no heartbeat before stream ended")
		if rec.comment == "heartbeat" {
			break
		}
	}

}

func TestDownload(t *testing.T) {
	h := newHarness(t, time.Minute)

	project := filepath.Join(h.root, "abc")
	require.NoError(t, os.MkdirAll(filepath.Join(project, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "src", "main.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(h.root), "secret.txt"), []byte("nope"), 0o644))

	tests := []struct {
		name     string
		path     string
		status   int
		contents string
	}{
		{"relative to root", "abc/src/main.py", http.StatusOK, "print('hi')\n"},
		{"absolute inside root", filepath.Join(project, "src", "main.py"), http.StatusOK, "print('hi')\n"},
		{"missing file", "abc/src/other.py", http.StatusNotFound, ""},
		{"directory", "abc/src", http.StatusNotFound, ""},
		{"parent traversal", "../secret.txt", http.StatusForbidden, ""},
		{"absolute outside root", filepath.Join(filepath.Dir(h.root), "secret.txt"), http.StatusForbidden, ""},
		{"empty", "", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.get(t, "/download?"+url.Values{"file_path": {tt.path}}.Encode())
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.contents != "" {
				data, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.contents, string(data))
				assert.Contains(t, resp.Header.Get("Content-Disposition"), "main.py")
			}
		})
	}
}

func TestGetConfigDefaultsWhenMissing(t *testing.T) {
	h := newHarness(t, time.Minute)

	resp := h.get(t, "/api/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body configResponse
	decodeResponse(t, resp, &body)
	assert.Equal(t, DefaultConfigSource, body.Source)

	cfg, err := config.Parse([]byte(body.Content))
	require.NoError(t, err)
	assert.Equal(t, config.GenerateDefault().Server.Port, cfg.Server.Port)
	assert.Equal(t, config.GenerateDefault().LLM.Model, cfg.LLM.Model)
}

func TestSaveAndGetConfig(t *testing.T) {
	h := newHarness(t, time.Minute)

	content := "[llm]\nmodel = \"qwen2.5-coder\"\n"
	payload, err := json.Marshal(saveConfigRequest{Content: content})
	require.NoError(t, err)

	resp := h.postJSON(t, "/api/config", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := os.ReadFile(h.configPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	resp = h.get(t, "/api/config")
	var body configResponse
	decodeResponse(t, resp, &body)
	assert.Equal(t, content, body.Content)
	assert.Equal(t, h.configPath, body.Source)
}

func TestSaveConfigRejectsInvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		detail  string
	}{
		{"malformed toml", "[server\nport = ", "invalid TOML"},
		{"invalid value", "[server]\nport = 0\n", "server.port"},
		{"unknown provider", "[llm]\nprovider = \"bard\"\n", "llm.provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Minute)

			payload, err := json.Marshal(saveConfigRequest{Content: tt.content})
			require.NoError(t, err)

			resp := h.postJSON(t, "/api/config", string(payload))
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, detailOf(t, resp), tt.detail)

			_, err = os.Stat(h.configPath)
			assert.True(t, os.IsNotExist(err), "rejected config must not be written")
		})
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, time.Minute)

	req, err := http.NewRequest(http.MethodGet, h.url("/tasks"), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	preflight, err := http.NewRequest(http.MethodOptions, h.url("/tasks"), nil)
	require.NoError(t, err)
	preflight.Header.Set("Origin", "http://localhost:3000")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	resp, err = http.DefaultClient.Do(preflight)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestServeAndShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	registry := task.NewRegistry(workspace.NewManager(root, logger), logger)

	s, err := NewServer(Options{
		Registry:      registry,
		Submitter:     &fakeSubmitter{registry: registry},
		WorkspaceRoot: root,
		Logger:        logger,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)
}
