package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/autodev/internal/fsutil"
	"github.com/iambrandonn/autodev/internal/protocol"
)

// FileChange describes one write to a project file
type FileChange struct {
	Path   string
	Kind   protocol.FileChange
	Size   int64
	SHA256 string
}

// Tracker is notified of every file written into a project
type Tracker interface {
	FileChanged(change FileChange)
}

type nopTracker struct{}

func (nopTracker) FileChanged(FileChange) {}

// FileInfo is one entry of a project manifest
type FileInfo struct {
	Path   string    `json:"path"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	Mtime  time.Time `json:"mtime"`
}

// skippedDirs never appear in manifests, trees or watches
var skippedDirs = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".pytest_cache": true,
	".cache":        true,
}

// Project is a scoped handle on one task's directory
type Project struct {
	root    string
	tracker Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	written map[string]string // relative path -> last known checksum
}

// Root returns the project directory
func (p *Project) Root() string {
	return p.root
}

// WriteFile writes content to rel, creating parent folders as needed,
// and returns the slash-separated relative path written.
func (p *Project) WriteFile(rel, content string) (string, error) {
	path, err := fsutil.ResolveWorkspacePath(p.root, rel)
	if err != nil {
		return "", err
	}

	kind := protocol.FileCreated
	if _, err := os.Stat(path); err == nil {
		kind = protocol.FileUpdated
	}

	data := []byte(content)
	if err := fsutil.AtomicWrite(path, data, fsutil.FilePerm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}

	clean := filepath.ToSlash(filepath.Clean(rel))
	change := FileChange{
		Path:   clean,
		Kind:   kind,
		Size:   int64(len(data)),
		SHA256: fsutil.SHA256Bytes(data),
	}
	p.remember(clean, change.SHA256)
	p.tracker.FileChanged(change)

	p.logger.Debug("file written", "path", clean, "change", kind, "size", change.Size)
	return clean, nil
}

// Save writes a bare filename to its routed folder
func (p *Project) Save(name, content string) (string, error) {
	return p.WriteFile(Route(name), content)
}

// ReadFile returns the content of rel
func (p *Project) ReadFile(rel string) (string, error) {
	path, err := fsutil.ResolveWorkspacePath(p.root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(data), nil
}

// UpdateFile overwrites an existing file
func (p *Project) UpdateFile(rel, content string) (string, error) {
	path, err := fsutil.ResolveWorkspacePath(p.root, rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return p.WriteFile(rel, content)
}

// FindSource returns the first non-test file with ext under the source folder
func (p *Project) FindSource(ext string) (string, bool) {
	return p.findFirst(DirSource, ext, func(name string) bool { return !isTestName(name) })
}

// FindTest returns the first file with ext under the tests folder
func (p *Project) FindTest(ext string) (string, bool) {
	return p.findFirst(DirTests, ext, func(string) bool { return true })
}

func (p *Project) findFirst(dir, ext string, accept func(name string) bool) (string, bool) {
	base := filepath.Join(p.root, dir)
	var found string

	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != base && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if fsutil.IsTempFile(name) || !strings.EqualFold(filepath.Ext(name), ext) || !accept(name) {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return nil
		}
		found = filepath.ToSlash(rel)
		return fs.SkipAll
	})

	return found, found != ""
}

// Manifest lists every project file with its checksum, sorted by path
func (p *Project) Manifest() ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != p.root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if fsutil.IsTempFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		hash, err := fsutil.SHA256File(path)
		if err != nil {
			return fmt.Errorf("failed to compute checksum for %s: %w", rel, err)
		}

		files = append(files, FileInfo{
			Path:   filepath.ToSlash(rel),
			SHA256: hash,
			Size:   info.Size(),
			Mtime:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk project: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Tree renders the folder layout as an indented listing
func (p *Project) Tree() (string, error) {
	var b strings.Builder

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == p.root {
			return nil
		}
		name := d.Name()
		if d.IsDir() && skippedDirs[name] {
			return filepath.SkipDir
		}
		if fsutil.IsTempFile(name) {
			return nil
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		depth := strings.Count(filepath.ToSlash(rel), "/")
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(name)
		if d.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk project: %w", err)
	}
	return b.String(), nil
}

func (p *Project) remember(rel, sum string) {
	p.mu.Lock()
	p.written[rel] = sum
	p.mu.Unlock()
}

// observe records sum for rel and reports whether it differs from what
// was last seen, along with whether rel was known before.
func (p *Project) observe(rel, sum string) (changed, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.written[rel]
	if ok && prev == sum {
		return false, true
	}
	p.written[rel] = sum
	return true, ok
}
