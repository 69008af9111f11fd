package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/agentgraph/artifact"
	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/testutil"
	"github.com/hupe1980/agentgraph/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockOpt(o *Options) { o.Clock = testutil.Clock() }

func TestImplementation_WritesFilesAndPlan(t *testing.T) {
	ws := t.TempDir()
	gen := model.NewMockGenerator().On(model.KindCode, testutil.CodeAnswer("api/handler.go", "package api", "main.go", "package main"))
	impl := NewImplementation(gen, artifact.NewWorkspaceStore(), clockOpt)

	st := testutil.NewStateBuilder().Workspace(ws).Gates(core.GateTests, core.GateReview).Build()
	patch, err := impl.Execute(context.Background(), st)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, "api", "handler.go"))
	require.NoError(t, err)
	assert.Equal(t, "package api\n", string(data))

	assert.Len(t, patch.Files, 2)
	assert.Len(t, patch.Artifacts, 2)
	require.NotNil(t, patch.Code)
	assert.Contains(t, *patch.Code, "// file: api/handler.go")

	require.NotNil(t, patch.Plan)
	counts := patch.Plan.Counts()
	assert.Equal(t, 2, counts[core.StepCompleted])
	assert.Equal(t, 2, counts[core.StepPending])
	assert.Equal(t, []int{3, 4}, patch.Plan.Ready())
	assert.Equal(t, core.ActionRunTests, patch.Plan.Steps[2].Action)
	assert.Equal(t, "tests", patch.Plan.Steps[2].Target)
}

func TestImplementation_SandboxViolationIsFatal(t *testing.T) {
	ws := t.TempDir()
	gen := model.NewMockGenerator().On(model.KindCode, testutil.CodeAnswer("../../etc/passwd", "root"))
	impl := NewImplementation(gen, artifact.NewWorkspaceStore())

	_, err := impl.Execute(context.Background(), testutil.NewStateBuilder().Workspace(ws).Build())
	var v *core.SandboxViolation
	require.ErrorAs(t, err, &v)
	assert.True(t, core.IsFatal(err))
}

func TestImplementation_RejectsRepeatedFailedAttempt(t *testing.T) {
	failed := testutil.CodeAnswer("main.go", "package main // v1")
	fresh := testutil.CodeAnswer("main.go", "package main // v2")
	failedDigest := Digest(listing(failed, ParseCodeBlocks(failed)))

	t.Run("retries with a different approach", func(t *testing.T) {
		gen := model.NewMockGenerator().On(model.KindCode, failed, fresh)
		st := testutil.NewStateBuilder().Iteration(1, 5).Patch(core.StatePatch{FailedAttempts: []string{failedDigest}}).Build()

		patch, err := NewImplementation(gen, nil).Execute(context.Background(), st)
		require.NoError(t, err)
		assert.Contains(t, *patch.Code, "v2")

		prompts := gen.CallsFor(model.KindCode)
		require.Len(t, prompts, 2)
		assert.NotContains(t, prompts[0], "different approach")
		assert.Contains(t, prompts[1], "different approach")
	})

	t.Run("fails when the repeat persists", func(t *testing.T) {
		gen := model.NewMockGenerator().On(model.KindCode, failed)
		st := testutil.NewStateBuilder().Iteration(1, 5).Patch(core.StatePatch{FailedAttempts: []string{failedDigest}}).Build()

		_, err := NewImplementation(gen, nil).Execute(context.Background(), st)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repeats failed attempt")
	})
}

func TestImplementation_PromptCarriesConstraints(t *testing.T) {
	gen := model.NewMockGenerator().On(model.KindCode, "```\nx := 1\n```")
	st := testutil.NewStateBuilder().
		Request("add caching").
		Iteration(1, 5).
		Output(NameRefinement, "use an LRU").
		Approval(core.ApprovalRecord{RequestID: "r", Iteration: 0, Action: "reject", Feedback: "too slow"}).
		Patch(core.StatePatch{Constraints: []string{"no globals"}}).
		Build()

	patch, err := NewImplementation(gen, nil).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "x := 1\n", *patch.Code)
	assert.Empty(t, patch.Files)

	prompt := gen.CallsFor(model.KindCode)[0]
	for _, want := range []string{"add caching", "- no globals", "use an LRU", "too slow"} {
		assert.Contains(t, prompt, want)
	}
}

func TestImplementation_SettlesPreviousGateSteps(t *testing.T) {
	gen := model.NewMockGenerator().On(model.KindCode, testutil.CodeAnswer("a.go", "package a"))
	impl := NewImplementation(gen, nil, clockOpt)

	st := testutil.NewStateBuilder().Gates(core.GateTests).Build()
	first, err := impl.Execute(context.Background(), st)
	require.NoError(t, err)

	st.Apply(first, testutil.Epoch)
	st.Apply(core.VerdictPatch(core.GateTests, false), testutil.Epoch)
	st.Iteration = 1

	second, err := impl.Execute(context.Background(), st)
	require.NoError(t, err)
	steps := second.Plan.Steps
	require.Len(t, steps, 4)
	assert.Equal(t, core.StepFailed, steps[1].Status)
	assert.Equal(t, core.ActionModifyFile, steps[2].Action)
	assert.Equal(t, core.StepPending, steps[3].Status)
}
