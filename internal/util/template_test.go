package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = RenderTemplate(`{{ .Name | upper }} {{ default "x" .Missing }} <b>`, map[string]any{"Name": "go"})
	require.NoError(t, err)
	assert.Equal(t, "GO x <b>", out)

	_, err = RenderTemplate("{{ .Broken", nil)
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	tmpl := MustParse("t", `{{ bullets .Items }}|{{ join "," .Items }}|{{ truncate 3 .Text }}`)
	out, err := Execute(tmpl, map[string]any{"Items": []string{"a", "b"}, "Text": "abcdef"})
	require.NoError(t, err)
	assert.Equal(t, "- a\n- b|a,b|abc\n[truncated]", out)

	out, err = Execute(tmpl, map[string]any{"Items": []string(nil), "Text": "ab"})
	require.NoError(t, err)
	assert.Equal(t, "- none||ab", out)
}
