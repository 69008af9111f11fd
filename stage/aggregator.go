package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentgraph/core"
)

// Aggregator joins the gate verdicts. It makes no routing decision itself
// (that is the graph's pure predicate); it records which gates failed and
// why, as LastFailure, so the root-cause stage and a blocked run can report
// the reason verbatim.
type Aggregator struct {
	opts Options
}

// NewAggregator creates the aggregator stage.
func NewAggregator(optFns ...func(o *Options)) *Aggregator {
	return &Aggregator{opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Aggregator) Name() string { return NameAggregator }

// Execute implements core.Stage.
func (s *Aggregator) Execute(_ context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	failing := state.FailingGates()
	patch := core.StatePatch{}

	if len(failing) == 0 {
		patch.Outputs = map[string]string{NameAggregator: fmt.Sprintf("all gates passed in iteration %d", state.Iteration)}
		return patch, nil
	}

	reason := FailureReason(state, failing)
	patch.LastFailure = core.String(reason)
	patch.Outputs = map[string]string{NameAggregator: reason}

	s.opts.Logger.Info("Quality gates failed", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "failing", failing)
	return patch, nil
}

// FailureReason describes the failing gates of the current iteration.
func FailureReason(state *core.WorkflowState, failing []core.Gate) string {
	var parts []string
	for _, g := range failing {
		detail := "no verdict"
		if state.Verdict(g) != nil {
			detail = gateDetail(state, g)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", g, detail))
	}
	return fmt.Sprintf("iteration %d failed gates [%s]", state.Iteration, strings.Join(parts, "; "))
}

func gateDetail(state *core.WorkflowState, g core.Gate) string {
	if g == core.GateSecurity {
		blocking := core.BlockingFindings(core.FindingsForIteration(state.Findings, state.Iteration))
		if len(blocking) > 0 {
			var rules []string
			for _, f := range blocking {
				rules = append(rules, fmt.Sprintf("%s %s:%d", f.Rule, f.File, f.Line))
			}
			return fmt.Sprintf("%d blocking finding(s) (%s)", len(blocking), strings.Join(rules, ", "))
		}
	}
	for i := len(state.Errors) - 1; i >= 0; i-- {
		e := state.Errors[i]
		if e.Stage == string(g) && e.Iteration == state.Iteration {
			return "error: " + firstLine(e.Message)
		}
	}
	out := strings.TrimSpace(state.Outputs[string(g)])
	if out == "" {
		return "failed"
	}
	return firstLine(out)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
