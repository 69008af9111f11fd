package artifact

import (
	"context"
	"errors"
	"io/fs"
	"sort"

	"github.com/hupe1980/agentgraph/sandbox"
)

// WorkspaceStore writes artifacts into the workspace directory itself. Every
// path goes through sandbox validation.
type WorkspaceStore struct{}

// NewWorkspaceStore returns a WorkspaceStore.
func NewWorkspaceStore() *WorkspaceStore { return &WorkspaceStore{} }

// Save writes data to path below workspace.
func (WorkspaceStore) Save(_ context.Context, workspace, path string, data []byte) error {
	_, err := sandbox.NewWorkspace(workspace).WriteFile(path, data)
	return err
}

// Get reads path below workspace.
func (WorkspaceStore) Get(_ context.Context, workspace, path string) ([]byte, error) {
	data, err := sandbox.NewWorkspace(workspace).ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns all visible files below workspace, sorted.
func (WorkspaceStore) List(_ context.Context, workspace string) ([]string, error) {
	files, err := sandbox.NewWorkspace(workspace).List()
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
