package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/autodev/internal/fsutil"
)

// Routed subfolders of a project
const (
	DirSource = "src"
	DirTests  = "tests"
	DirDocs   = "docs"
	DirConfig = "config"
	DirAssets = "assets"
	DirStatic = "static"
	DirMisc   = "misc"
)

var (
	// ErrNotFound is returned when a project file does not exist
	ErrNotFound = errors.New("file not found")
	// ErrEscape is returned when a path resolves outside its project
	ErrEscape = fsutil.ErrPathEscape
)

// Manager allocates per-task project directories under a workspace root
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a manager rooted at root
func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logger}
}

// Root returns the workspace root
func (m *Manager) Root() string {
	return m.root
}

// CreateProjectDir creates the project directory for a task.
// Safe to call more than once for the same id.
func (m *Manager) CreateProjectDir(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("%w: invalid task id %q", ErrEscape, taskID)
	}

	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return "", fmt.Errorf("failed to create workspace root %s: %w", m.root, err)
	}

	path := filepath.Join(m.root, taskID)
	if err := os.MkdirAll(path, fsutil.DirPerm); err != nil {
		return "", fmt.Errorf("failed to create project directory %s: %w", path, err)
	}

	m.logger.Debug("project directory ready", "task_id", taskID, "path", path)
	return path, nil
}

// Open returns a scoped handle on an existing project directory.
// A nil tracker discards change notifications.
func (m *Manager) Open(root string, tracker Tracker) *Project {
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Project{
		root:    root,
		tracker: tracker,
		logger:  m.logger.With("project", filepath.Base(root)),
		written: make(map[string]string),
	}
}

var (
	docExts    = extSet(".md", ".rst", ".txt", ".adoc")
	configExts = extSet(".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".env", ".xml", ".lock")
	assetExts  = extSet(".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".bmp",
		".mp3", ".wav", ".ogg", ".mp4", ".webm", ".ttf", ".otf", ".woff", ".woff2", ".csv")
	staticExts = extSet(".html", ".htm", ".css", ".scss")
	sourceExts = extSet(".py", ".js", ".mjs", ".cjs", ".ts", ".jsx", ".tsx", ".go", ".rb",
		".java", ".kt", ".c", ".h", ".cc", ".cpp", ".hpp", ".rs", ".php", ".sh", ".swift", ".cs")

	configNames = map[string]bool{
		"requirements.txt": true,
		"package.json":     true,
		"go.mod":           true,
		"gemfile":          true,
		"dockerfile":       true,
		"makefile":         true,
		".gitignore":       true,
		".env":             true,
	}
)

func extSet(exts ...string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[e] = true
	}
	return set
}

func isTestName(name string) bool {
	lower := strings.ToLower(name)
	stem := strings.TrimSuffix(lower, filepath.Ext(lower))
	return strings.HasPrefix(stem, "test_") ||
		strings.HasSuffix(stem, "_test") ||
		strings.HasSuffix(stem, ".test") ||
		strings.HasSuffix(stem, "_spec") ||
		strings.HasSuffix(stem, ".spec")
}

// Route maps a filename to its path relative to the project root.
// Names that already contain a separator are kept as given.
func Route(filename string) string {
	if strings.ContainsAny(filename, `/\`) {
		return filepath.FromSlash(filename)
	}

	lower := strings.ToLower(filename)
	ext := filepath.Ext(lower)

	var dir string
	switch {
	case configNames[lower]:
		dir = DirConfig
	case isTestName(lower) && sourceExts[ext]:
		dir = DirTests
	case sourceExts[ext]:
		dir = DirSource
	case docExts[ext]:
		dir = DirDocs
	case configExts[ext]:
		dir = DirConfig
	case staticExts[ext]:
		dir = DirStatic
	case assetExts[ext]:
		dir = DirAssets
	default:
		dir = DirMisc
	}
	return filepath.Join(dir, filename)
}

// RouteFile returns the full path a file should be written to under root
func RouteFile(root, filename string) string {
	return filepath.Join(root, Route(filename))
}
