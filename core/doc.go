// Package core provides the foundational domain types and contracts shared by
// every agentgraph package. It defines:
//
//   - WorkflowState (the record threaded through every stage) and StatePatch
//     (the per-stage delta with conflict-checked merge semantics)
//   - the Stage contract implemented by every node of a workflow graph
//   - Events emitted while a workflow runs
//   - ExecutionPlan / PlanStep with dependency-aware step transitions
//   - the error taxonomy (ValidationError, StageError, IterationBudgetExceeded,
//     approval errors, SandboxViolation)
//   - pluggable store contracts for checkpoints, terminal snapshots and
//     generated artifacts
//
// Implementation concerns (graph building, execution, persistence backends)
// live in sibling packages and depend on the small interfaces declared here.
package core
