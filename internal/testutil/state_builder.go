package testutil

import (
	"time"

	"github.com/hupe1980/agentgraph/core"
)

// Epoch is the fixed clock used by builders.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock returns a function reporting Epoch.
func Clock() func() time.Time { return func() time.Time { return Epoch } }

// StateBuilder provides a fluent helper for constructing workflow states in
// tests. Example:
//
//	st := NewStateBuilder().Request("add login").Gates(core.GateTests).Verdict(core.GateTests, false).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type StateBuilder struct {
	st *core.WorkflowState
}

// NewStateBuilder creates a builder for a running linear workflow.
func NewStateBuilder() *StateBuilder {
	st := core.NewWorkflowState("wf-test", "session-test", "implement feature", "/workspace", Epoch)
	st.Strategy = core.StrategyLinear
	st.Complexity = core.ComplexitySimple
	st.TaskType = core.TaskFeature
	st.MaxIterations = core.ComplexitySimple.MaxIterations()
	return &StateBuilder{st: st}
}

// ID sets the workflow id (chainable).
func (b *StateBuilder) ID(id string) *StateBuilder {
	b.st.WorkflowID = id
	return b
}

// Request sets the request text (chainable).
func (b *StateBuilder) Request(r string) *StateBuilder {
	b.st.Request = r
	return b
}

// Workspace sets the workspace root (chainable).
func (b *StateBuilder) Workspace(root string) *StateBuilder {
	b.st.WorkspaceRoot = root
	return b
}

// Strategy sets strategy and the matching complexity budget (chainable).
func (b *StateBuilder) Strategy(s core.Strategy, c core.Complexity) *StateBuilder {
	b.st.Strategy = s
	b.st.Complexity = c
	b.st.MaxIterations = c.MaxIterations()
	return b
}

// Gates sets the requested gates (chainable).
func (b *StateBuilder) Gates(gates ...core.Gate) *StateBuilder {
	b.st.Gates = append([]core.Gate(nil), gates...)
	for _, g := range gates {
		b.st.Capabilities = append(b.st.Capabilities, core.CapabilityForGate(g))
	}
	return b
}

// Verdict records a gate verdict (chainable).
func (b *StateBuilder) Verdict(g core.Gate, passed bool) *StateBuilder {
	b.st.Apply(core.VerdictPatch(g, passed), Epoch)
	return b
}

// Iteration sets the iteration counter and budget (chainable).
func (b *StateBuilder) Iteration(i, maxIterations int) *StateBuilder {
	b.st.Iteration = i
	b.st.MaxIterations = maxIterations
	return b
}

// Code sets the current code listing (chainable).
func (b *StateBuilder) Code(code string) *StateBuilder {
	b.st.Code = code
	return b
}

// File records a generated file written in the current iteration (chainable).
func (b *StateBuilder) File(path, content string) *StateBuilder {
	b.st.Files[path] = content
	b.st.Artifacts = append(b.st.Artifacts, core.Artifact{Path: path, Size: len(content), Stage: "implementation", Iteration: b.st.Iteration})
	return b
}

// Output sets a stage output (chainable).
func (b *StateBuilder) Output(stage, text string) *StateBuilder {
	b.st.Outputs[stage] = text
	return b
}

// LastFailure sets the last failure reason (chainable).
func (b *StateBuilder) LastFailure(reason string) *StateBuilder {
	b.st.LastFailure = reason
	return b
}

// Approval sets the approval record (chainable).
func (b *StateBuilder) Approval(rec core.ApprovalRecord) *StateBuilder {
	b.st.Approval = &rec
	return b
}

// Patch applies an arbitrary patch (chainable).
func (b *StateBuilder) Patch(p core.StatePatch) *StateBuilder {
	b.st.Apply(p, Epoch)
	return b
}

// Build returns a copy of the state built so far.
func (b *StateBuilder) Build() *core.WorkflowState { return b.st.Clone() }
