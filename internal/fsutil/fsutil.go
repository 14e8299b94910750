package fsutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a relative path resolves outside its root
var ErrPathEscape = errors.New("path escapes workspace")

const (
	// DirPerm is used for every directory created inside a project
	DirPerm os.FileMode = 0o755
	// FilePerm is used for generated project files
	FilePerm os.FileMode = 0o644
)

// AtomicWrite writes data to path by writing a sibling temp file,
// syncing it, renaming it over the target and syncing the directory.
// Readers never observe a partially written file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := generateTempPath(path)
	if err != nil {
		return fmt.Errorf("failed to generate temp path: %w", err)
	}

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		tmpFile.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	success = true
	return nil
}

// generateTempPath creates a temporary filename next to the target
// Format: .<basename>.tmp.<pid>.<rand>
func generateTempPath(path string) (string, error) {
	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	tmpName := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(randBytes))
	return filepath.Join(filepath.Dir(path), tmpName), nil
}

// IsTempFile reports whether name looks like an in-flight AtomicWrite temp file
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp.")
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// ResolveWorkspacePath validates and resolves a relative path within root.
// Absolute paths, traversal outside the root and symlinks pointing outside
// the root are rejected with ErrPathEscape.
func ResolveWorkspacePath(root, relative string) (string, error) {
	rootAbs, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("%w: absolute paths not allowed: %s", ErrPathEscape, relative)
	}

	cleanPath := filepath.Clean(filepath.Join(rootAbs, relative))
	if !within(rootAbs, cleanPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, relative)
	}

	if _, err := os.Lstat(cleanPath); err == nil {
		resolved, err := filepath.EvalSymlinks(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to resolve symlinks: %w", err)
		}
		if !within(rootAbs, resolved) {
			return "", fmt.Errorf("%w: symlink %s", ErrPathEscape, relative)
		}
		return resolved, nil
	}

	return cleanPath, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadFileSafe reads a file under root, truncated to maxBytes
func ReadFileSafe(root, relativePath string, maxBytes int64) ([]byte, error) {
	fullPath, err := ResolveWorkspacePath(root, relativePath)
	if err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

// SHA256Bytes returns the digest of data formatted as "sha256:<hex>"
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SHA256File streams a file through sha256 and returns "sha256:<hex>"
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}
