package core

import "context"

// Stage is one node of a workflow graph. Execute receives a read-only clone
// of the current state and returns the changes it wants committed. The engine
// commits a patch only after Execute returns, so re-invoking a stage after a
// crash is safe.
type Stage interface {
	Name() string
	Execute(ctx context.Context, state *WorkflowState) (StatePatch, error)
}

// GateStage is a Stage whose output is a pass/fail verdict. The engine folds
// a gate's internal error into a failing verdict instead of failing the run.
type GateStage interface {
	Stage
	Gate() Gate
}

// StageFunc adapts a plain function into a Stage.
type StageFunc struct {
	name string
	fn   func(ctx context.Context, state *WorkflowState) (StatePatch, error)
}

// NewStageFunc creates a named Stage backed by fn.
func NewStageFunc(name string, fn func(ctx context.Context, state *WorkflowState) (StatePatch, error)) *StageFunc {
	return &StageFunc{name: name, fn: fn}
}

// Name implements Stage.
func (s *StageFunc) Name() string { return s.name }

// Execute implements Stage.
func (s *StageFunc) Execute(ctx context.Context, state *WorkflowState) (StatePatch, error) {
	return s.fn(ctx, state)
}

// GateFunc adapts a plain function into a GateStage.
type GateFunc struct {
	StageFunc
	gate Gate
}

// NewGateFunc creates a GateStage for g backed by fn.
func NewGateFunc(name string, g Gate, fn func(ctx context.Context, state *WorkflowState) (StatePatch, error)) *GateFunc {
	return &GateFunc{StageFunc: StageFunc{name: name, fn: fn}, gate: g}
}

// Gate implements GateStage.
func (g *GateFunc) Gate() Gate { return g.gate }
