package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/agentgraph/core"
)

// InMemoryStore is a volatile CheckpointStore keeping the latest checkpoint
// per workflow in a process-local map. Checkpoints are cloned on save and
// load so callers never share state with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]core.Checkpoint
}

// NewInMemoryStore constructs an empty in-memory checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string]core.Checkpoint)}
}

// Save replaces the checkpoint for cp.WorkflowID. A checkpoint older than
// the stored one (lower step) is rejected.
func (s *InMemoryStore) Save(_ context.Context, cp core.Checkpoint) error {
	if cp.WorkflowID == "" {
		return core.NewValidationError("checkpoint.workflow_id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[cp.WorkflowID]; ok && cp.Step < prev.Step {
		return fmt.Errorf("stale checkpoint for %s: step %d < %d", cp.WorkflowID, cp.Step, prev.Step)
	}
	s.checkpoints[cp.WorkflowID] = clone(cp)
	return nil
}

// Load returns the latest checkpoint or core.ErrCheckpointNotFound.
func (s *InMemoryStore) Load(_ context.Context, workflowID string) (core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[workflowID]
	if !ok {
		return core.Checkpoint{}, fmt.Errorf("%w: %s", core.ErrCheckpointNotFound, workflowID)
	}
	return clone(cp), nil
}

// Delete drops the checkpoint. Deleting an unknown workflow is a no-op.
func (s *InMemoryStore) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, workflowID)
	return nil
}

// FindByRequest returns the checkpoint suspended on the given human
// checkpoint request id.
func (s *InMemoryStore) FindByRequest(_ context.Context, requestID string) (core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.checkpoints {
		if requestID != "" && cp.PendingRequestID == requestID {
			return clone(cp), nil
		}
	}
	return core.Checkpoint{}, fmt.Errorf("%w: request %s", core.ErrCheckpointNotFound, requestID)
}

// WorkflowIDs lists stored workflows, sorted.
func (s *InMemoryStore) WorkflowIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clone(cp core.Checkpoint) core.Checkpoint {
	cp.State = cp.State.Clone()
	cp.Frontier = slices.Clone(cp.Frontier)
	return cp
}
