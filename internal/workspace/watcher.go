package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iambrandonn/autodev/internal/fsutil"
	"github.com/iambrandonn/autodev/internal/protocol"
)

// DefaultDebounce is how long a path must be quiet before it is reported
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports files changed in a project by anything other than the
// project's own writes, such as files produced by a subprocess.
type Watcher struct {
	project  *Project
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Watch starts watching the project tree recursively until ctx is done
// or Close is called.
func (p *Project) Watch(ctx context.Context, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Existing files count as known so their first change reads as an update.
	if files, err := p.Manifest(); err == nil {
		for _, f := range files {
			p.observe(f.Path, f.SHA256)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		project:  p,
		fsw:      fsw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		cancel:   cancel,
	}

	if err := w.addRecursive(p.root); err != nil {
		cancel()
		fsw.Close()
		return nil, err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.processPending(ctx)

	p.logger.Debug("watching project", "root", p.root, "debounce", debounce)
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if !skippedDirs[filepath.Base(event.Name)] {
					if err := w.addRecursive(event.Name); err != nil {
						w.project.logger.Warn("failed to watch new folder", "path", event.Name, "error", err)
					}
				}
				continue
			}
			if fsutil.IsTempFile(filepath.Base(event.Name)) {
				continue
			}

			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.project.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(time.Now())
		}
	}
}

func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, changed := range w.pending {
		if now.Sub(changed) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.report(path)
	}
}

func (w *Watcher) report(path string) {
	rootAbs, err := filepath.EvalSymlinks(w.project.root)
	if err != nil {
		rootAbs = w.project.root
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(rootAbs, resolved)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	info, err := os.Stat(resolved)
	if err != nil {
		return
	}
	sum, err := fsutil.SHA256File(resolved)
	if err != nil {
		return
	}

	changed, known := w.project.observe(rel, sum)
	if !changed {
		return
	}

	kind := protocol.FileCreated
	if known {
		kind = protocol.FileUpdated
	}
	w.project.tracker.FileChanged(FileChange{
		Path:   rel,
		Kind:   kind,
		Size:   info.Size(),
		SHA256: sum,
	})
}

// Close stops watching and waits for the watcher goroutines to exit
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
