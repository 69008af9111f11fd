package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/sandbox"
)

// DefaultFileName is the document location relative to the workspace root.
const DefaultFileName = ".agentgraph/memory.json"

// FileOptions configures a FileStore.
type FileOptions struct {
	// FileName is resolved inside the workspace through the path sandbox.
	FileName string
	// ListCap bounds list fields.
	ListCap int
}

// FileStore persists the merged document as JSON inside each workspace.
// Writes go to a temporary file that is renamed into place.
type FileStore struct {
	mu   sync.Mutex
	opts FileOptions
}

// NewFileStore creates a FileStore.
func NewFileStore(optFns ...func(o *FileOptions)) *FileStore {
	opts := FileOptions{FileName: DefaultFileName, ListCap: DefaultListCap}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FileStore{opts: opts}
}

func (s *FileStore) path(workspace string) (string, error) {
	return sandbox.Validate(s.opts.FileName, workspace)
}

// Save merges snap into the document stored under workspace.
func (s *FileStore) Save(_ context.Context, workspace string, snap core.Snapshot) error {
	doc, err := Document(snap)
	if err != nil {
		return err
	}
	path, err := s.path(workspace)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := readDocument(path)
	if err != nil {
		return err
	}
	merged := Merge(base, doc, s.opts.ListCap)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write memory document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace memory document: %w", err)
	}
	return nil
}

// Load reads the workspace document. A missing file yields an empty map.
func (s *FileStore) Load(_ context.Context, workspace string) (map[string]any, error) {
	path, err := s.path(workspace)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readDocument(path)
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory document: %w", err)
	}
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode memory document %s: %w", path, err)
	}
	return doc, nil
}
