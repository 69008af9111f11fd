package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Rejects(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../../etc/passwd"},
		{"embedded parent", "a/../../b"},
		{"home", "~/secrets"},
		{"variable", "$HOME/x"},
		{"system dir", "/etc/passwd"},
		{"proc", "/proc/self/environ"},
		{"absolute outside root", "/tmp-other/file"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.path, root)
			require.Error(t, err)
			var v *Violation
			assert.True(t, errors.As(err, &v))
		})
	}
}

func TestValidate_ParentTraversalRejectedForAnyRoot(t *testing.T) {
	for _, root := range []string{"/", "/tmp", t.TempDir(), "relative/root"} {
		_, err := Validate("../../etc/passwd", root)
		assert.Error(t, err, root)
	}
}

func TestValidate_ResolvesInsideRoot(t *testing.T) {
	root := t.TempDir()

	got, err := Validate("subdir/file.py", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "subdir", "file.py"), got)

	abs := filepath.Join(root, "pkg", "x.go")
	got, err = Validate(abs, root)
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestValidate_SystemDirectoryRootAcceptsRelativeOnly(t *testing.T) {
	root := "/var/lib/agentgraph/ws"

	got, err := Validate("cmd/main.go", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cmd", "main.go"), got)

	_, err = Validate(filepath.Join(root, "cmd", "main.go"), root)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "system directory /var", v.Reason)
}

func TestValidate_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := Validate("link/file.txt", root)
	assert.Error(t, err)
}

func TestWorkspace_WriteAndList(t *testing.T) {
	ws := NewWorkspace(t.TempDir())

	p, err := ws.WriteFile("src/main.go", []byte("package main"))
	require.NoError(t, err)
	assert.FileExists(t, p)

	_, err = ws.WriteFile(".agentgraph/memory.json", []byte("{}"))
	require.NoError(t, err)

	data, err := ws.ReadFile("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))

	files, err := ws.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, files)

	_, err = ws.WriteFile("../escape.txt", []byte("x"))
	assert.Error(t, err)
}
