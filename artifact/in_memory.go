package artifact

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/agentgraph/sandbox"
)

// InMemoryStore is an in-process ArtifactStore. Paths are still validated
// against the workspace so that a dry run rejects the same paths a real
// write would. Data is copied on save and retrieval.
//
// Layout: workspace -> relative path -> raw bytes
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

func relKey(workspace, path string) (string, error) {
	abs, err := sandbox.Validate(path, workspace)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Save stores (or overwrites) the artifact bytes.
func (a *InMemoryStore) Save(_ context.Context, workspace, path string, data []byte) error {
	key, err := relKey(workspace, path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.artifacts[workspace]; !exists {
		a.artifacts[workspace] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	a.artifacts[workspace][key] = cp
	return nil
}

// Get returns a copy of the stored bytes or ErrNotFound.
func (a *InMemoryStore) Get(_ context.Context, workspace, path string) ([]byte, error) {
	key, err := relKey(workspace, path)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.artifacts[workspace][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the stored paths of the workspace, sorted.
func (a *InMemoryStore) List(_ context.Context, workspace string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.artifacts[workspace]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (a *InMemoryStore) Delete(_ context.Context, workspace, path string) error {
	key, err := relKey(workspace, path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[workspace]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m[key]; !ok {
		return ErrNotFound
	}
	delete(m, key)
	return nil
}
