package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatches_DisjointGateWrites(t *testing.T) {
	merged, err := MergePatches([]StagePatch{
		{Stage: "security", Patch: StatePatch{SecurityPassed: Bool(false), Findings: []SecurityFinding{{Rule: "r1", Severity: SeverityHigh}}, Outputs: map[string]string{"security": "bad"}}},
		{Stage: "tests", Patch: StatePatch{TestsPassed: Bool(true), Outputs: map[string]string{"tests": "ok"}}},
		{Stage: "review", Patch: StatePatch{ReviewApproved: Bool(true), Errors: []ErrorRecord{{Stage: "review", Message: "slow"}}}},
	})
	require.NoError(t, err)

	assert.False(t, *merged.SecurityPassed)
	assert.True(t, *merged.TestsPassed)
	assert.True(t, *merged.ReviewApproved)
	assert.Equal(t, map[string]string{"security": "bad", "tests": "ok"}, merged.Outputs)
	assert.Len(t, merged.Findings, 1)
	assert.Len(t, merged.Errors, 1)
}

func TestMergePatches_ConflictingScalar(t *testing.T) {
	_, err := MergePatches([]StagePatch{
		{Stage: "a", Patch: StatePatch{LastFailure: String("x")}},
		{Stage: "b", Patch: StatePatch{LastFailure: String("y")}},
	})
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "last_failure", ve.Field)
	assert.Contains(t, ve.Reason, "a and b")
}

func TestMergePatches_ConflictingMapKey(t *testing.T) {
	_, err := MergePatches([]StagePatch{
		{Stage: "a", Patch: StatePatch{Outputs: map[string]string{"k": "1"}}},
		{Stage: "b", Patch: StatePatch{Outputs: map[string]string{"k": "2"}}},
	})
	assert.True(t, IsFatal(err))
}

func TestMergePatches_AppendOrderFollowsInput(t *testing.T) {
	merged, err := MergePatches([]StagePatch{
		{Stage: "a", Patch: StatePatch{Constraints: []string{"a1", "a2"}}},
		{Stage: "b", Patch: StatePatch{Constraints: []string{"b1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, merged.Constraints)
}

func TestWorkflowState_ApplyAndClone(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewWorkflowState("wf", "s", "req", "/tmp/ws", now)
	s.Gates = []Gate{GateSecurity, GateReview}

	s.Apply(StatePatch{
		Code:           String("code"),
		SecurityPassed: Bool(true),
		Iteration:      Int(2),
		Errors:         []ErrorRecord{{Stage: "x"}},
		Outputs:        map[string]string{"implementation": "out"},
	}, now.Add(time.Second))

	assert.Equal(t, "code", s.Code)
	assert.Equal(t, 2, s.Iteration)
	assert.Equal(t, now.Add(time.Second), s.UpdatedAt)
	assert.Equal(t, []Gate{GateReview}, s.FailingGates())

	c := s.Clone()
	c.Outputs["implementation"] = "changed"
	*c.SecurityPassed = false
	c.Errors[0].Stage = "y"

	assert.Equal(t, "out", s.Outputs["implementation"])
	assert.True(t, *s.SecurityPassed)
	assert.Equal(t, "x", s.Errors[0].Stage)
}

func TestFailingGates_IgnoresUnrequested(t *testing.T) {
	s := NewWorkflowState("wf", "s", "req", "/ws", time.Now())
	s.Gates = []Gate{GateTests}
	s.SecurityPassed = Bool(false)
	s.TestsPassed = Bool(true)
	assert.Empty(t, s.FailingGates())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &ValidationError{Reason: "x"}, "validation"},
		{"sandbox", &SandboxViolation{Path: "../x"}, "sandbox_violation"},
		{"budget", &IterationBudgetExceeded{Iterations: 3, Max: 3}, "iteration_budget"},
		{"timeout", &StageError{Stage: "approval", Err: ErrApprovalTimeout}, "approval_timeout"},
		{"stage", &StageError{Stage: "impl", Err: errors.New("boom")}, "stage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&SandboxViolation{}))
	assert.True(t, IsFatal(&StageError{Stage: "x", Err: &ValidationError{}}))
	assert.False(t, IsFatal(&StageError{Stage: "x", Err: errors.New("boom")}))
	assert.False(t, IsFatal(ErrApprovalTimeout))
}
