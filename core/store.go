package core

import (
	"context"
	"time"
)

// Checkpoint is the resumable position of a run after an execution step.
type Checkpoint struct {
	WorkflowID       string         `json:"workflow_id"`
	SessionID        string         `json:"session_id"`
	Step             int            `json:"step"`
	State            *WorkflowState `json:"state"`
	Frontier         []string       `json:"frontier"`
	PendingRequestID string         `json:"pending_request_id,omitempty"`
	SavedAt          time.Time      `json:"saved_at"`
}

// CheckpointStore persists the latest checkpoint per workflow.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, workflowID string) (Checkpoint, error)
	Delete(ctx context.Context, workflowID string) error
}

// Snapshot is the terminal summary of a run persisted per workspace.
type Snapshot struct {
	WorkflowID string        `json:"workflow_id"`
	Request    string        `json:"request"`
	Strategy   Strategy      `json:"strategy"`
	Status     Status        `json:"status"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
	Artifacts  []Artifact    `json:"artifacts"`
	NextTasks  []string      `json:"next_recommended_tasks"`
	Errors     []ErrorRecord `json:"errors,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// SnapshotStore receives terminal snapshots keyed by workspace.
type SnapshotStore interface {
	Save(ctx context.Context, workspace string, snap Snapshot) error
	Load(ctx context.Context, workspace string) (map[string]any, error)
}

// ArtifactStore stores generated files keyed by workspace and relative path.
type ArtifactStore interface {
	Save(ctx context.Context, workspace, path string, data []byte) error
	Get(ctx context.Context, workspace, path string) ([]byte, error)
	List(ctx context.Context, workspace string) ([]string, error)
}
