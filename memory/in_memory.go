package memory

import (
	"context"
	"sync"

	"github.com/hupe1980/agentgraph/core"
)

// InMemoryStore is a process-local SnapshotStore. Documents are copied on
// the way in and out. Concurrency: protected by RWMutex.
type InMemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]map[string]any // workspace -> merged document
	limit int
}

// NewInMemoryStore creates an empty store keeping DefaultListCap entries per list.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]map[string]any), limit: DefaultListCap}
}

// Save merges snap into the workspace document.
func (m *InMemoryStore) Save(_ context.Context, workspace string, snap core.Snapshot) error {
	doc, err := Document(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[workspace] = Merge(m.docs[workspace], doc, m.limit)
	return nil
}

// Load returns a copy of the workspace document. Unknown workspaces yield an
// empty map.
func (m *InMemoryStore) Load(_ context.Context, workspace string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[workspace]
	if !ok {
		return map[string]any{}, nil
	}
	return cloneDocument(doc), nil
}
