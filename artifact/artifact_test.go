package artifact

import (
	"context"
	"testing"

	"github.com/hupe1980/agentgraph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ core.ArtifactStore = (*InMemoryStore)(nil)
	_ core.ArtifactStore = (*WorkspaceStore)(nil)
)

func TestStores(t *testing.T) {
	tests := []struct {
		name  string
		store core.ArtifactStore
	}{
		{"in_memory", NewInMemoryStore()},
		{"workspace", NewWorkspaceStore()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := t.TempDir()
			ctx := context.Background()

			require.NoError(t, tt.store.Save(ctx, ws, "pkg/api.go", []byte("package pkg")))
			require.NoError(t, tt.store.Save(ctx, ws, "main.go", []byte("package main")))

			data, err := tt.store.Get(ctx, ws, "pkg/api.go")
			require.NoError(t, err)
			assert.Equal(t, "package pkg", string(data))

			files, err := tt.store.List(ctx, ws)
			require.NoError(t, err)
			assert.Equal(t, []string{"main.go", "pkg/api.go"}, files)

			_, err = tt.store.Get(ctx, ws, "missing.go")
			assert.ErrorIs(t, err, ErrNotFound)

			var v *core.SandboxViolation
			assert.ErrorAs(t, tt.store.Save(ctx, ws, "../escape.go", nil), &v)
			assert.ErrorAs(t, tt.store.Save(ctx, ws, "/etc/passwd", nil), &v)
		})
	}
}

func TestInMemoryStore_Isolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	data := []byte("hello")
	require.NoError(t, store.Save(ctx, "/ws", "a.txt", data))
	data[0] = 'H'

	out, err := store.Get(ctx, "/ws", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	out[0] = 'x'
	out2, _ := store.Get(ctx, "/ws", "/ws/a.txt")
	assert.Equal(t, "hello", string(out2))

	require.NoError(t, store.Delete(ctx, "/ws", "a.txt"))
	assert.ErrorIs(t, store.Delete(ctx, "/ws", "a.txt"), ErrNotFound)
}
