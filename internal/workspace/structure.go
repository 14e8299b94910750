package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/iambrandonn/autodev/internal/fsutil"
	"github.com/iambrandonn/autodev/internal/langs"
)

// Structure maps folder names to their contents
type Structure map[string]Entry

// Entry is one folder of a Structure. Exactly one of the fields is
// meaningful: a free-text description, nested folders or file specs.
type Entry struct {
	Description string
	Children    Structure
	Files       []FileSpec
}

// FileSpec is a file to create inside a folder
type FileSpec struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts a string, an object or a list of file specs
func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &e.Description)
	case '{':
		children := Structure{}
		if err := json.Unmarshal(trimmed, &children); err != nil {
			return err
		}
		e.Children = children
		return nil
	case '[':
		var files []FileSpec
		if err := json.Unmarshal(trimmed, &files); err != nil {
			return err
		}
		e.Files = files
		return nil
	default:
		return fmt.Errorf("unsupported structure entry: %s", trimmed)
	}
}

// ParseStructure decodes a JSON folder structure
func ParseStructure(data []byte) (Structure, error) {
	var s Structure
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse folder structure: %w", err)
	}
	if len(s) == 0 {
		return nil, errors.New("folder structure is empty")
	}
	return s, nil
}

// DefaultStructure is the scaffold used when no usable structure was generated
func DefaultStructure(profile langs.Profile) Structure {
	s := Structure{
		DirSource: {Description: "Application source code"},
		DirTests:  {Description: "Automated tests"},
		DirDocs:   {Description: "Project documentation"},
		DirConfig: {Description: "Configuration files"},
		DirAssets: {Description: "Images, data and other assets"},
	}
	if profile.Static {
		s[DirStatic] = Entry{Description: "Static web files"}
	}
	return s
}

// CreateFolderStructure materializes s under root. Existing files are
// overwritten by file specs but placeholder READMEs never replace an
// existing README.
func (m *Manager) CreateFolderStructure(root string, s Structure) error {
	if err := os.MkdirAll(root, fsutil.DirPerm); err != nil {
		return fmt.Errorf("failed to create project root: %w", err)
	}
	return m.createEntries(root, "", s)
}

func (m *Manager) createEntries(root, parent string, s Structure) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel := filepath.Join(parent, name)
		dir, err := fsutil.ResolveWorkspacePath(root, rel)
		if err != nil {
			return fmt.Errorf("invalid folder %q: %w", rel, err)
		}
		if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", rel, err)
		}

		entry := s[name]
		switch {
		case entry.Children != nil:
			if err := m.createEntries(root, rel, entry.Children); err != nil {
				return err
			}
		case entry.Files != nil:
			for _, f := range entry.Files {
				if f.Name == "" {
					continue
				}
				path, err := fsutil.ResolveWorkspacePath(root, filepath.Join(rel, f.Name))
				if err != nil {
					return fmt.Errorf("invalid file %q: %w", f.Name, err)
				}
				if err := fsutil.AtomicWrite(path, []byte(f.Content), fsutil.FilePerm); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.Name, err)
				}
			}
		default:
			readme := filepath.Join(dir, "README.md")
			if _, err := os.Stat(readme); err == nil {
				continue
			}
			content := fmt.Sprintf("# %s\n\n%s\n", name, entry.Description)
			if err := fsutil.AtomicWrite(readme, []byte(content), fsutil.FilePerm); err != nil {
				return fmt.Errorf("failed to write placeholder for %s: %w", rel, err)
			}
		}
	}

	m.logger.Debug("folder structure created", "root", root, "parent", parent, "entries", len(names))
	return nil
}
