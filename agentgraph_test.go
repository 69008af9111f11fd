package agentgraph

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/hitl"
	"github.com/hupe1980/agentgraph/internal/testutil"
	"github.com/hupe1980/agentgraph/model"
	"github.com/hupe1980/agentgraph/stage"
)

const criticalRequest = "Deploy the payment service to production"

func TestRun_SimpleRequestCompletes(t *testing.T) {
	m := New(testutil.HappyGenerator())
	defer m.Close()
	workspace := t.TempDir()

	res, err := m.Run(context.Background(), Request{SessionID: "s1", Text: "Add a hello endpoint", Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.Equal(t, core.StrategyLinear, res.Analysis.Strategy)
	assert.Equal(t, core.StatusCompleted, res.Status)
	assert.Zero(t, res.QueuePosition)
	assert.NotEmpty(t, res.WorkflowID)
	assert.Equal(t, core.EventRunCompleted, res.Events[len(res.Events)-1].Type)

	doc, err := m.Memory(context.Background(), workspace)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc["status"])

	_, err = m.Run(context.Background(), Request{SessionID: "s1", Text: "Add a goodbye endpoint", Workspace: workspace})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Admission.Completed)
	assert.Equal(t, 1, stats.Cache.Entries)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	assert.Empty(t, stats.Active)
}

func TestRun_RebuildsGraphWhenShapeChanges(t *testing.T) {
	m := New(testutil.HappyGenerator())
	defer m.Close()

	simple, _, err := m.Graph("s", "Add a hello endpoint")
	require.NoError(t, err)
	same, _, err := m.Graph("s", "Add a goodbye endpoint")
	require.NoError(t, err)
	assert.Same(t, simple, same)

	loop, a, err := m.Graph("s", "Refactor the storage layer")
	require.NoError(t, err)
	assert.Equal(t, core.StrategyAdaptiveLoop, a.Strategy)
	assert.NotSame(t, simple, loop)
	assert.Equal(t, core.StrategyAdaptiveLoop, loop.Strategy)
}

func TestRun_ApprovalRoundTrip(t *testing.T) {
	m := New(testutil.HappyGenerator())
	defer m.Close()
	workspace := t.TempDir()

	res, err := m.Run(context.Background(), Request{SessionID: "s", WorkflowID: "wf", Text: criticalRequest, Workspace: workspace})
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, core.StrategyStagedApproval, res.Analysis.Strategy)

	pending := m.Pending("wf")
	require.Len(t, pending, 1)
	assert.Equal(t, res.PendingRequestID, pending[0].ID)
	assert.Equal(t, hitl.PriorityHigh, pending[0].Priority)
	assert.Equal(t, 1, m.Stats().Pending)

	final, err := m.Respond(context.Background(), res.PendingRequestID, hitl.Response{Action: hitl.ActionApprove, Responder: "bob"})
	require.NoError(t, err)
	require.NoError(t, final.Err)
	assert.Equal(t, core.StatusCompleted, final.Status)
	assert.Equal(t, "approve by bob", final.State.Outputs[stage.NameApproval])
	assert.Equal(t, core.EventResumed, final.Events[0].Type)

	doc, err := m.Memory(context.Background(), workspace)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc["status"])

	_, err = m.Respond(context.Background(), res.PendingRequestID, hitl.Response{Action: hitl.ActionReject})
	assert.ErrorIs(t, err, hitl.ErrAlreadyResolved)
	_, err = m.Resume(context.Background(), "wf")
	assert.ErrorIs(t, err, engine.ErrNotSuspended)
}

func TestRespond_RejectionsStopAtIterationBudget(t *testing.T) {
	gen := testutil.HappyGenerator()
	for i := range 30 {
		gen.On(model.KindCode, testutil.CodeAnswer("main.go", fmt.Sprintf("package main\n\n// v%d\nfunc main() {}", i)))
	}
	m := New(gen)
	defer m.Close()
	ctx := context.Background()

	res, err := m.Run(ctx, Request{SessionID: "s", WorkflowID: "wf", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	rejections := 0
	for res.Suspended() {
		require.Less(t, rejections, 20, "rejections kept the run looping")
		res, err = m.Respond(ctx, res.PendingRequestID, hitl.Response{Action: hitl.ActionReject, Feedback: "not yet", Responder: "bob"})
		require.NoError(t, err)
		rejections++
	}

	st := res.State
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Equal(t, st.MaxIterations, st.Iteration)
	assert.Equal(t, st.MaxIterations+1, rejections)
	assert.Equal(t, "approval rejected: not yet", st.LastFailure)
	assert.Equal(t, "iteration_budget", st.Errors[len(st.Errors)-1].Kind)
	assert.Empty(t, m.Pending("wf"))
}

func TestCancel_SuspendedRunFails(t *testing.T) {
	var results []Result
	m := New(testutil.HappyGenerator(), func(o *Options) {
		o.OnResult = func(r Result) { results = append(results, r) }
	})
	defer m.Close()

	res, err := m.Run(context.Background(), Request{WorkflowID: "wf", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	require.NoError(t, m.Cancel(context.Background(), "wf", "superseded"))

	require.Len(t, results, 1)
	assert.Equal(t, core.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, core.ErrApprovalCancelled)

	cp, err := m.Status(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, cp.State.Status)
	assert.Empty(t, m.Pending("wf"))

	assert.ErrorIs(t, m.Cancel(context.Background(), "wf", "again"), ErrNothingToCancel)
}

func TestExpiredApprovalResumesInBackground(t *testing.T) {
	done := make(chan Result, 1)
	m := New(testutil.HappyGenerator(), func(o *Options) {
		o.ApprovalTimeout = 200 * time.Millisecond
		o.OnResult = func(r Result) { done <- r }
	})
	defer m.Close()

	res, err := m.Run(context.Background(), Request{WorkflowID: "wf", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	select {
	case r := <-done:
		assert.Equal(t, core.StatusFailed, r.Status)
		assert.ErrorIs(t, r.Err, core.ErrApprovalTimeout)
		assert.Equal(t, "approval_timeout", core.ErrorKind(r.Err))
	case <-time.After(5 * time.Second):
		t.Fatal("expired checkpoint did not resume the run")
	}
}

func TestRun_RejectsEmptyRequest(t *testing.T) {
	m := New(testutil.HappyGenerator())
	defer m.Close()

	_, err := m.Run(context.Background(), Request{Text: "   "})
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestExpiredApprovalWaitsForBusySession(t *testing.T) {
	happy := testutil.HappyGenerator()
	var hold atomic.Bool
	release := make(chan struct{})
	gen := model.GeneratorFunc(func(ctx context.Context, prompt string, kind model.Kind) (string, error) {
		if hold.Load() {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return happy.Generate(ctx, prompt, kind)
	})

	done := make(chan Result, 1)
	m := New(gen, func(o *Options) {
		o.ApprovalTimeout = 150 * time.Millisecond
		o.ResumeRetryInterval = 10 * time.Millisecond
		o.OnResult = func(r Result) { done <- r }
	})
	defer m.Close()
	ctx := context.Background()

	res, err := m.Run(ctx, Request{SessionID: "s", WorkflowID: "wf1", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	hold.Store(true)
	second := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx, Request{SessionID: "s", WorkflowID: "wf2", Text: "Add a hello endpoint", Workspace: t.TempDir()})
		second <- err
	}()
	require.Eventually(t, func() bool { return slices.Contains(m.Stats().Active, "wf2") }, 2*time.Second, 5*time.Millisecond)

	// the checkpoint expires while wf2 holds the session
	require.Eventually(t, func() bool { return len(m.Pending("wf1")) == 0 }, 2*time.Second, 5*time.Millisecond)
	cp, err := m.Status(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingApproval, cp.State.Status)

	close(release)
	require.NoError(t, <-second)

	select {
	case r := <-done:
		assert.Equal(t, "wf1", r.WorkflowID)
		assert.Equal(t, core.StatusFailed, r.Status)
		assert.ErrorIs(t, r.Err, core.ErrApprovalTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("expired checkpoint was never resumed")
	}
}

func TestCancel_SuspendedRunWithResolvedRequest(t *testing.T) {
	approvals := hitl.NewManager()
	var results []Result
	m := New(testutil.HappyGenerator(), func(o *Options) {
		o.Approvals = approvals
		o.OnResult = func(r Result) { results = append(results, r) }
	})
	defer m.Close()
	ctx := context.Background()

	res, err := m.Run(ctx, Request{WorkflowID: "wf", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	require.NoError(t, approvals.Cancel(res.PendingRequestID, "withdrawn"))
	require.Empty(t, m.Pending("wf"))

	require.NoError(t, m.Cancel(ctx, "wf", "cleanup"))
	require.Len(t, results, 1)
	assert.Equal(t, core.StatusFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, core.ErrApprovalCancelled)
}

func TestCancel_AnsweredCheckpointIsNotCancelled(t *testing.T) {
	approvals := hitl.NewManager()
	m := New(testutil.HappyGenerator(), func(o *Options) {
		o.Approvals = approvals
	})
	defer m.Close()
	ctx := context.Background()

	res, err := m.Run(ctx, Request{WorkflowID: "wf", Text: criticalRequest, Workspace: t.TempDir()})
	require.NoError(t, err)

	_, err = approvals.Respond(res.PendingRequestID, hitl.Response{Action: hitl.ActionApprove})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Cancel(ctx, "wf", "too late"), hitl.ErrAlreadyResolved)

	final, err := m.Resume(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, final.Status)
}
