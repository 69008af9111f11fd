package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/hitl"
	"github.com/hupe1980/agentgraph/internal/testutil"
	"github.com/hupe1980/agentgraph/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestsAndReviewGates(t *testing.T) {
	gen := model.NewMockGenerator().
		On(model.KindTests, "nil input panics\nVERDICT: FAIL").
		On(model.KindReview, "fine\nDECISION: APPROVED")
	st := testutil.NewStateBuilder().Code("package a").Build()

	tp, err := NewTests(gen).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, *tp.TestsPassed)
	assert.Contains(t, tp.Outputs[NameTests], "nil input panics")

	rp, err := NewReview(gen).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, *rp.ReviewApproved)

	var gs core.GateStage = NewTests(gen)
	assert.Equal(t, core.GateTests, gs.Gate())
}

func TestGates_MalformedOutputIsAnError(t *testing.T) {
	gen := model.NewMockGenerator().On(model.KindTests, "seems ok").On(model.KindReview, "sure")
	st := testutil.NewStateBuilder().Build()

	_, err := NewTests(gen).Execute(context.Background(), st)
	assert.Error(t, err)
	_, err = NewReview(gen).Execute(context.Background(), st)
	assert.Error(t, err)

	gen = model.NewMockGenerator().Fail(model.KindTests, errors.New("timeout"))
	_, err = NewTests(gen).Execute(context.Background(), st)
	assert.ErrorContains(t, err, "timeout")
}

func TestAggregator(t *testing.T) {
	st := testutil.NewStateBuilder().
		Gates(core.GateSecurity, core.GateTests, core.GateReview).
		Verdict(core.GateSecurity, false).
		Verdict(core.GateTests, true).
		Patch(core.StatePatch{
			Findings: []core.SecurityFinding{{Rule: "hardcoded-secret", Severity: core.SeverityHigh, File: "a.go", Line: 3}},
			Errors:   []core.ErrorRecord{{Stage: "review", Message: "generate review: timed out", Iteration: 0}},
		}).
		Build()

	patch, err := NewAggregator().Execute(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, patch.LastFailure)
	assert.Equal(t, "iteration 0 failed gates [security: 1 blocking finding(s) (hardcoded-secret a.go:3); review: no verdict]", *patch.LastFailure)

	st = testutil.NewStateBuilder().Gates(core.GateTests).Verdict(core.GateTests, true).Build()
	patch, err = NewAggregator().Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, patch.LastFailure)
}

func TestRootCause_EnforceableOutput(t *testing.T) {
	gen := model.NewMockGenerator().On(model.KindRootCause, "Empty input not handled\nCONSTRAINT: validate empty input\nCONSTRAINT: no globals")
	rca := NewRootCause(gen)

	st := testutil.NewStateBuilder().
		Strategy(core.StrategyParallelGates, core.ComplexityModerate).
		Gates(core.GateTests).
		Verdict(core.GateTests, false).
		Code("package a // v1").
		LastFailure("iteration 0 failed gates [tests: nil input]").
		Patch(core.StatePatch{Constraints: []string{"no globals"}}).
		Build()

	patch, err := rca.Execute(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, patch.RootCauses, 1)
	rc := patch.RootCauses[0]
	assert.Equal(t, "Empty input not handled", rc.Summary)
	assert.Equal(t, []core.Gate{core.GateTests}, rc.FailedGates)
	assert.False(t, rc.Repeated)
	assert.Equal(t, []string{"validate empty input"}, patch.Constraints)
	assert.Equal(t, []string{Digest("package a // v1")}, patch.FailedAttempts)

	// Same failure one iteration later is recognised as repeated.
	st.Apply(patch, testutil.Epoch)
	st.Iteration = 1
	st.LastFailure = "iteration 1 failed gates [tests: nil input]"
	st.Code = "package a // v2"

	again, err := rca.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, again.RootCauses[0].Repeated)
	assert.Equal(t, rc.Fingerprint, again.RootCauses[0].Fingerprint)
	assert.Contains(t, again.Constraints, ChangeApproachConstraint)
}

func TestRootCause_WithoutGeneratorAndOnRejection(t *testing.T) {
	st := testutil.NewStateBuilder().
		Strategy(core.StrategyStagedApproval, core.ComplexityCritical).
		Approval(core.ApprovalRecord{RequestID: "r1", Iteration: 0, Action: "reject", Feedback: "wrong endpoint"}).
		Build()

	patch, err := NewRootCause(nil).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "approval rejected: wrong endpoint", patch.RootCauses[0].Summary)
	assert.Empty(t, patch.FailedAttempts)
}

func TestRefinement(t *testing.T) {
	st := testutil.NewStateBuilder().
		Iteration(2, 5).
		Patch(core.StatePatch{
			RootCauses:  []core.RootCause{{Summary: "off by one"}},
			Constraints: []string{"loop bounds inclusive"},
		}).
		Build()

	patch, err := NewRefinement(nil).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 3, *patch.Iteration)
	assert.Equal(t, "Fix: off by one\nConstraints:\n- loop bounds inclusive", patch.Outputs[NameRefinement])

	gen := model.NewMockGenerator().On(model.KindRefine, "change the loop")
	patch, err = NewRefinement(gen).Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "change the loop", patch.Outputs[NameRefinement])
	assert.Contains(t, gen.CallsFor(model.KindRefine)[0], "off by one")
}

func newManager(t *testing.T, optFns ...func(o *hitl.Options)) *hitl.Manager {
	t.Helper()
	m := hitl.NewManager(optFns...)
	t.Cleanup(m.Close)
	return m
}

func TestApproval_SuspendAndDecide(t *testing.T) {
	mgr := newManager(t)
	stage := NewApproval(mgr)
	st := testutil.NewStateBuilder().Strategy(core.StrategyStagedApproval, core.ComplexityCritical).Code("package a").Build()

	patch, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	require.NotEmpty(t, patch.Suspend)
	require.NotNil(t, patch.Approval)
	assert.Equal(t, patch.Suspend, patch.Approval.RequestID)
	assert.Empty(t, patch.Approval.Action)

	pending := mgr.Pending(st.WorkflowID)
	require.Len(t, pending, 1)
	assert.Equal(t, hitl.PriorityHigh, pending[0].Priority)

	st.Apply(patch, testutil.Epoch)

	// Still pending: suspend again without a new request.
	again, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, patch.Suspend, again.Suspend)
	assert.Len(t, mgr.Pending(""), 1)

	_, err = mgr.Respond(patch.Suspend, hitl.Response{Action: hitl.ActionEdit, ModifiedContent: "package b", Responder: "alice"})
	require.NoError(t, err)

	decided, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, decided.Suspend)
	assert.Equal(t, "edit", decided.Approval.Action)
	assert.Equal(t, "package b", *decided.Code)
	assert.Equal(t, "edit by alice", decided.Outputs[NameApproval])
}

func TestApproval_Rejection(t *testing.T) {
	mgr := newManager(t)
	stage := NewApproval(mgr)
	st := testutil.NewStateBuilder().Build()

	patch, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	st.Apply(patch, testutil.Epoch)
	_, err = mgr.Respond(patch.Suspend, hitl.Response{Action: hitl.ActionReject, Feedback: "missing docs"})
	require.NoError(t, err)

	decided, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "reject", decided.Approval.Action)
	assert.Equal(t, "approval rejected: missing docs", *decided.LastFailure)
	require.Len(t, decided.Errors, 1)
	assert.Equal(t, "approval_rejected", decided.Errors[0].Kind)
}

func TestApproval_Expired(t *testing.T) {
	mgr := newManager(t, func(o *hitl.Options) { o.Timeout = 10 * time.Millisecond })
	stage := NewApproval(mgr)

	st := testutil.NewStateBuilder().Build()
	patch, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	st.Apply(patch, testutil.Epoch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = mgr.Wait(ctx, patch.Suspend)
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), st)
	assert.ErrorIs(t, err, core.ErrApprovalTimeout)
}

func TestApproval_StaleRecordFilesNewRequest(t *testing.T) {
	mgr := newManager(t)
	stage := NewApproval(mgr)
	st := testutil.NewStateBuilder().
		Iteration(1, 5).
		Approval(core.ApprovalRecord{RequestID: "old", Iteration: 0, Action: "reject"}).
		Build()

	patch, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.NotEqual(t, "old", patch.Suspend)
	assert.Equal(t, 1, patch.Approval.Iteration)
}

func TestApproval_Cancelled(t *testing.T) {
	mgr := newManager(t)
	stage := NewApproval(mgr)
	st := testutil.NewStateBuilder().Build()

	patch, err := stage.Execute(context.Background(), st)
	require.NoError(t, err)
	st.Apply(patch, testutil.Epoch)
	require.NoError(t, mgr.Cancel(patch.Suspend, "run aborted"))

	_, err = stage.Execute(context.Background(), st)
	assert.ErrorIs(t, err, core.ErrApprovalCancelled)
}

func TestFinalize(t *testing.T) {
	impl := NewImplementation(model.NewMockGenerator().On(model.KindCode, testutil.CodeAnswer("a.go", "package a")), nil, clockOpt)
	st := testutil.NewStateBuilder().Gates(core.GateSecurity, core.GateTests).Build()
	ip, err := impl.Execute(context.Background(), st)
	require.NoError(t, err)
	st.Apply(ip, testutil.Epoch)
	st.Apply(core.VerdictPatch(core.GateSecurity, true), testutil.Epoch)
	st.Apply(core.VerdictPatch(core.GateTests, false), testutil.Epoch)
	st.Apply(core.StatePatch{Findings: []core.SecurityFinding{{Severity: core.SeverityMedium, Category: "crypto", File: "a.go", Line: 1, Recommendation: "use sha256"}}}, testutil.Epoch)

	patch, err := NewFinalize(nil, clockOpt).Execute(context.Background(), st)
	require.NoError(t, err)

	require.NotNil(t, patch.Plan)
	assert.True(t, patch.Plan.Frozen())
	counts := patch.Plan.Counts()
	assert.Equal(t, 2, counts[core.StepCompleted])
	assert.Equal(t, 1, counts[core.StepFailed])
	assert.Zero(t, counts[core.StepPending])

	assert.Equal(t, []string{
		"Resolve medium crypto finding in a.go:1: use sha256",
		"Fix the failing tests reported in iteration 0",
		"Have the change reviewed by a maintainer",
	}, patch.NextTasks)
	require.NotNil(t, patch.LastFailure)
	assert.Contains(t, *patch.LastFailure, "tests")
	assert.Contains(t, patch.Outputs[NameFinalize], "a.go")

	frozen := st.Clone()
	frozen.Apply(patch, testutil.Epoch)
	again, err := NewFinalize(model.NewMockGenerator().On(model.KindSummary, "All done."), clockOpt).Execute(context.Background(), frozen)
	require.NoError(t, err)
	assert.Nil(t, again.Plan)
	assert.Equal(t, "All done.", again.Outputs[NameFinalize])
}

func TestNextTasks_NoFiles(t *testing.T) {
	st := testutil.NewStateBuilder().Gates(core.GateReview).Verdict(core.GateReview, true).Build()
	assert.Equal(t, []string{"Verify the generated code manually; no files were written"}, NextTasks(st))
}
