package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ core.SnapshotStore = (*InMemoryStore)(nil)
	_ core.SnapshotStore = (*FileStore)(nil)
)

func snapshot(i int) core.Snapshot {
	return core.Snapshot{
		WorkflowID: fmt.Sprintf("wf-%d", i),
		Request:    "add endpoint",
		Strategy:   core.StrategyLinear,
		Status:     core.StatusCompleted,
		Duration:   time.Second,
		Iterations: i,
		Artifacts:  []core.Artifact{{Path: fmt.Sprintf("f%d.go", i)}},
		NextTasks:  []string{fmt.Sprintf("task-%d", i)},
		FinishedAt: time.Unix(int64(i), 0).UTC(),
	}
}

func TestMerge(t *testing.T) {
	base := map[string]any{"status": "failed", "next": []any{"a", "b"}, "keep": 1.0}
	out := Merge(base, map[string]any{"status": "completed", "next": []any{"c", "d"}}, 3)

	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, []any{"b", "c", "d"}, out["next"])
	assert.Equal(t, 1.0, out["keep"])
}

func TestMerge_ListReplacesScalar(t *testing.T) {
	out := Merge(map[string]any{"x": "scalar"}, map[string]any{"x": []any{1.0}}, 0)
	assert.Equal(t, []any{1.0}, out["x"])
}

func TestStores_SaveLoad(t *testing.T) {
	tests := []struct {
		name  string
		store func(t *testing.T) (core.SnapshotStore, string)
	}{
		{"in_memory", func(t *testing.T) (core.SnapshotStore, string) { return NewInMemoryStore(), "/ws" }},
		{"file", func(t *testing.T) (core.SnapshotStore, string) { return NewFileStore(), t.TempDir() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, ws := tt.store(t)
			ctx := context.Background()

			empty, err := store.Load(ctx, ws)
			require.NoError(t, err)
			assert.Empty(t, empty)

			for i := 1; i <= 60; i++ {
				require.NoError(t, store.Save(ctx, ws, snapshot(i)))
			}
			doc, err := store.Load(ctx, ws)
			require.NoError(t, err)

			assert.Equal(t, "wf-60", doc["workflow_id"])
			assert.Equal(t, "completed", doc["status"])
			tasks, ok := doc["next_recommended_tasks"].([]any)
			require.True(t, ok)
			require.Len(t, tasks, DefaultListCap)
			assert.Equal(t, "task-11", tasks[0])
			assert.Equal(t, "task-60", tasks[len(tasks)-1])
			artifacts, ok := doc["artifacts"].([]any)
			require.True(t, ok)
			assert.Len(t, artifacts, DefaultListCap)
		})
	}
}

func TestInMemoryStore_LoadReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "ws", snapshot(1)))

	doc, _ := store.Load(ctx, "ws")
	doc["status"] = "tampered"
	doc["next_recommended_tasks"].([]any)[0] = "tampered"

	again, _ := store.Load(ctx, "ws")
	assert.Equal(t, "completed", again["status"])
	assert.Equal(t, "task-1", again["next_recommended_tasks"].([]any)[0])
}

func TestFileStore_Location(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, NewFileStore().Save(context.Background(), ws, snapshot(1)))
	_, err := os.Stat(filepath.Join(ws, ".agentgraph", "memory.json"))
	assert.NoError(t, err)
}

func TestFileStore_CorruptDocument(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".agentgraph"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, DefaultFileName), []byte("{"), 0o644))

	_, err := NewFileStore().Load(context.Background(), ws)
	assert.Error(t, err)
}
