package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*WorkflowLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultLoggerConfig()
	cfg.Output = buf
	cfg.Level = level
	return NewLogger(cfg), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWorkflowLogger_ContextAttributes(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)
	l.WithComponent("engine").WithWorkflow("wf-1", "s-1").Info("hello", "stage", "review")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.Equal(t, "wf-1", lines[0]["workflow_id"])
	assert.Equal(t, "s-1", lines[0]["session_id"])
	assert.Equal(t, "review", lines[0]["stage"])
}

func TestWorkflowLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "w", lines[0]["msg"])
	assert.Equal(t, "e", lines[1]["msg"])
}

func TestWorkflowLogger_WithDoesNotMutateParent(t *testing.T) {
	parent, buf := newBufferLogger(LogLevelInfo)
	_ = parent.WithContext("k", "v")
	parent.Info("plain")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["k"]
	assert.False(t, ok)
}

func TestWorkflowLogger_LogStageExecution(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	l.LogStageExecution("security", 2, 10*time.Millisecond, nil)
	l.LogStageExecution("tests", 2, time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "Stage execution completed", lines[0]["msg"])
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, "Stage execution failed", lines[1]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x", "k", 1)
		l.Warn("x")
		l.Error("x")
	})
}

func TestHelpers_FallBackToPlainLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewSlogAdapter(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	assert.Same(t, l, ForWorkflow(l, "wf", "s"))
	StageExecution(l, "tests", 2, time.Second, errors.New("boom"))
	WorkflowExecution(l, "linear", "completed", 3, 0, time.Second)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "Stage execution failed", lines[0]["msg"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "Workflow execution finished", lines[1]["msg"])
	assert.Equal(t, "completed", lines[1]["status"])
}

func TestHelpers_UseWorkflowLogger(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)

	scoped := ForWorkflow(l, "wf-9", "s-9")
	WorkflowExecution(scoped, "adaptive_loop", "failed", 7, 2, time.Second)
	scoped.(*WorkflowLogger).ErrorWithStack(errors.New("bad"), "Stage panicked")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "wf-9", lines[0]["workflow_id"])
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.InDelta(t, 7, lines[0]["step_count"], 0)
	assert.Contains(t, lines[1]["stack_trace"], "goroutine")
}
