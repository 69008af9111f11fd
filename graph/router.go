package graph

import (
	"slices"

	"github.com/hupe1980/agentgraph/core"
)

// Decision is the tagged result of a routing function. Every conditional
// edge declares the decisions it can produce and maps each one explicitly;
// there is no implicit default edge.
type Decision string

const (
	// DecisionApprove: every requested gate passed.
	DecisionApprove Decision = "approve"
	// DecisionRefine: a gate failed and the iteration budget allows another attempt.
	DecisionRefine Decision = "refine"
	// DecisionMaxIterations: a gate failed and the budget is exhausted.
	DecisionMaxIterations Decision = "max_iterations"
	// DecisionApproved: the human checkpoint was accepted.
	DecisionApproved Decision = "approved"
	// DecisionRejected: the human checkpoint was rejected.
	DecisionRejected Decision = "rejected"
)

// Router is a pure function from state to decision.
type Router func(state *core.WorkflowState) Decision

// Aggregate is the aggregator's routing predicate. It depends only on the
// verdicts of the requested gates, the iteration counter and the budget, so
// the order in which parallel gates completed cannot change it. A requested
// gate without a verdict counts as failed.
func Aggregate(requested []core.Gate, verdicts map[core.Gate]bool, iteration, maxIterations int) Decision {
	allPass := true
	for _, g := range requested {
		if !verdicts[g] {
			allPass = false
			break
		}
	}
	switch {
	case allPass:
		return DecisionApprove
	case iteration >= maxIterations:
		return DecisionMaxIterations
	default:
		return DecisionRefine
	}
}

// AggregatorRouter applies Aggregate to the workflow state.
func AggregatorRouter(state *core.WorkflowState) Decision {
	verdicts := make(map[core.Gate]bool, len(state.Gates))
	for _, g := range state.Gates {
		if v := state.Verdict(g); v != nil {
			verdicts[g] = *v
		}
	}
	return Aggregate(state.Gates, verdicts, state.Iteration, state.MaxIterations)
}

var approvingActions = []string{"approve", "edit", "choose", "confirm"}

// ApprovalRouter maps the recorded checkpoint response to a decision. A
// missing or unknown response yields an empty decision, which no route table
// declares.
func ApprovalRouter(state *core.WorkflowState) Decision {
	if state.Approval == nil {
		return ""
	}
	switch {
	case slices.Contains(approvingActions, state.Approval.Action):
		return DecisionApproved
	case state.Approval.Action == "reject":
		return DecisionRejected
	default:
		return ""
	}
}

// LoopApprovalRouter is ApprovalRouter for graphs that refine on rejection.
// A rejection once the iteration budget is spent yields
// DecisionMaxIterations instead of another refinement.
func LoopApprovalRouter(state *core.WorkflowState) Decision {
	d := ApprovalRouter(state)
	if d == DecisionRejected && state.Iteration >= state.MaxIterations {
		return DecisionMaxIterations
	}
	return d
}
