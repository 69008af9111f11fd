package core

import (
	"fmt"
	"time"
)

// ActionKind is what a plan step does.
type ActionKind string

const (
	ActionCreateFile  ActionKind = "create_file"
	ActionModifyFile  ActionKind = "modify_file"
	ActionDeleteFile  ActionKind = "delete_file"
	ActionRunTests    ActionKind = "run_tests"
	ActionInstallDeps ActionKind = "install_deps"
	ActionReview      ActionKind = "review"
	ActionRefactor    ActionKind = "refactor"
	ActionCustom      ActionKind = "custom"
)

// StepStatus is the lifecycle status of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

func (s StepStatus) done() bool { return s == StepCompleted || s == StepSkipped }

// PlanStep is a single numbered step of an ExecutionPlan. Step numbers are
// 1-based and DependsOn refers to them.
type PlanStep struct {
	Number           int        `json:"number"`
	Action           ActionKind `json:"action"`
	Target           string     `json:"target,omitempty"`
	Description      string     `json:"description"`
	DependsOn        []int      `json:"depends_on,omitempty"`
	Status           StepStatus `json:"status"`
	RequiresApproval bool       `json:"requires_approval,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ExecutionPlan is an ordered list of steps created at planning time and
// mutated step by step until Freeze is called.
type ExecutionPlan struct {
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
	FrozenAt  *time.Time `json:"frozen_at,omitempty"`
}

// NewExecutionPlan returns an empty plan stamped with now.
func NewExecutionPlan(now time.Time) *ExecutionPlan {
	return &ExecutionPlan{CreatedAt: now}
}

// Frozen reports whether the plan has become immutable.
func (p *ExecutionPlan) Frozen() bool { return p.FrozenAt != nil }

// Freeze makes the plan immutable. Freezing twice is a no-op.
func (p *ExecutionPlan) Freeze(now time.Time) {
	if p.FrozenAt == nil {
		p.FrozenAt = &now
	}
}

// AddStep appends a pending step and returns its number.
func (p *ExecutionPlan) AddStep(action ActionKind, target, description string, dependsOn ...int) (int, error) {
	if p.Frozen() {
		return 0, ErrPlanFrozen
	}
	n := len(p.Steps) + 1
	for _, d := range dependsOn {
		if d < 1 || d >= n {
			return 0, NewValidationError("plan", "step %d depends on unknown or later step %d", n, d)
		}
	}
	p.Steps = append(p.Steps, PlanStep{
		Number:      n,
		Action:      action,
		Target:      target,
		Description: description,
		DependsOn:   append([]int(nil), dependsOn...),
		Status:      StepPending,
	})
	return n, nil
}

// Step returns a pointer to step n.
func (p *ExecutionPlan) Step(n int) (*PlanStep, error) {
	if n < 1 || n > len(p.Steps) {
		return nil, fmt.Errorf("plan step %d out of range", n)
	}
	return &p.Steps[n-1], nil
}

// CanStart reports whether every dependency of step n is completed or skipped.
func (p *ExecutionPlan) CanStart(n int) bool {
	s, err := p.Step(n)
	if err != nil || s.Status != StepPending {
		return false
	}
	for _, d := range s.DependsOn {
		if !p.Steps[d-1].Status.done() {
			return false
		}
	}
	return true
}

// Ready returns the numbers of pending steps whose dependencies are satisfied.
func (p *ExecutionPlan) Ready() []int {
	var out []int
	for i := range p.Steps {
		if p.CanStart(i + 1) {
			out = append(out, i+1)
		}
	}
	return out
}

// Start moves step n to in_progress.
func (p *ExecutionPlan) Start(n int) error {
	if p.Frozen() {
		return ErrPlanFrozen
	}
	if !p.CanStart(n) {
		return fmt.Errorf("plan step %d cannot start: dependencies pending or step not pending", n)
	}
	p.Steps[n-1].Status = StepInProgress
	return nil
}

// Complete marks step n completed.
func (p *ExecutionPlan) Complete(n int) error {
	return p.transition(n, StepCompleted, "")
}

// Fail marks step n failed with a reason.
func (p *ExecutionPlan) Fail(n int, reason string) error {
	return p.transition(n, StepFailed, reason)
}

// Skip marks a pending step skipped.
func (p *ExecutionPlan) Skip(n int, reason string) error {
	return p.transition(n, StepSkipped, reason)
}

func (p *ExecutionPlan) transition(n int, to StepStatus, reason string) error {
	if p.Frozen() {
		return ErrPlanFrozen
	}
	s, err := p.Step(n)
	if err != nil {
		return err
	}
	switch to {
	case StepCompleted, StepFailed:
		if s.Status != StepInProgress {
			return fmt.Errorf("plan step %d is %s, not in_progress", n, s.Status)
		}
	case StepSkipped:
		if s.Status != StepPending {
			return fmt.Errorf("plan step %d is %s, not pending", n, s.Status)
		}
	}
	s.Status = to
	s.Error = reason
	return nil
}

// Counts tallies steps by status.
func (p *ExecutionPlan) Counts() map[StepStatus]int {
	out := map[StepStatus]int{}
	for _, s := range p.Steps {
		out[s.Status]++
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := &ExecutionPlan{CreatedAt: p.CreatedAt, Steps: make([]PlanStep, len(p.Steps))}
	if p.FrozenAt != nil {
		t := *p.FrozenAt
		cp.FrozenAt = &t
	}
	for i, s := range p.Steps {
		s.DependsOn = append([]int(nil), s.DependsOn...)
		cp.Steps[i] = s
	}
	return cp
}
