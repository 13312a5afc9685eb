package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps the identifier in a single file named client_id
// inside a data directory.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore rooted at dataDir. The directory is
// created on first save.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, "client_id")}
}

// Path returns the file the identifier is stored in.
func (f *FileStore) Path() string { return f.path }

// Load implements [Backend].
func (f *FileStore) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save implements [Backend].
func (f *FileStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist client id to %s: %w", f.path, err)
	}
	return nil
}
