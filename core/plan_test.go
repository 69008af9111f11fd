package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionPlan_DependencyOrdering(t *testing.T) {
	p := NewExecutionPlan(time.Now())
	a, err := p.AddStep(ActionCreateFile, "a.go", "create a")
	require.NoError(t, err)
	b, err := p.AddStep(ActionCreateFile, "b.go", "create b")
	require.NoError(t, err)
	tests, err := p.AddStep(ActionRunTests, "", "run tests", a, b)
	require.NoError(t, err)

	assert.Equal(t, []int{a, b}, p.Ready())
	assert.Error(t, p.Start(tests))

	require.NoError(t, p.Start(a))
	require.NoError(t, p.Complete(a))
	require.NoError(t, p.Skip(b, "not needed"))

	assert.Equal(t, []int{tests}, p.Ready())
	require.NoError(t, p.Start(tests))
	require.NoError(t, p.Fail(tests, "1 failing"))

	counts := p.Counts()
	assert.Equal(t, 1, counts[StepCompleted])
	assert.Equal(t, 1, counts[StepSkipped])
	assert.Equal(t, 1, counts[StepFailed])
}

func TestExecutionPlan_RejectsForwardDependency(t *testing.T) {
	p := NewExecutionPlan(time.Now())
	_, err := p.AddStep(ActionCustom, "", "x", 2)
	assert.True(t, IsFatal(err))
}

func TestExecutionPlan_FreezeMakesImmutable(t *testing.T) {
	p := NewExecutionPlan(time.Now())
	n, err := p.AddStep(ActionReview, "", "review")
	require.NoError(t, err)

	p.Freeze(time.Now())
	assert.True(t, p.Frozen())

	_, err = p.AddStep(ActionCustom, "", "late")
	assert.ErrorIs(t, err, ErrPlanFrozen)
	assert.ErrorIs(t, p.Start(n), ErrPlanFrozen)
	assert.ErrorIs(t, p.Skip(n, ""), ErrPlanFrozen)
}

func TestExecutionPlan_CloneIsDeep(t *testing.T) {
	p := NewExecutionPlan(time.Now())
	a, _ := p.AddStep(ActionCreateFile, "a", "a")
	_, _ = p.AddStep(ActionRunTests, "", "t", a)

	c := p.Clone()
	c.Steps[1].DependsOn[0] = 99
	c.Steps[0].Status = StepFailed

	assert.Equal(t, 1, p.Steps[1].DependsOn[0])
	assert.Equal(t, StepPending, p.Steps[0].Status)
}
