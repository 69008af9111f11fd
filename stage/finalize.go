package stage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/model"
)

// Finalize closes a run: it settles the remaining plan steps, freezes the
// plan, derives the recommended follow-up tasks and writes a summary. In the
// linear topology, where no aggregator runs, it is also where failing gates
// are turned into LastFailure.
type Finalize struct {
	gen  model.Generator
	opts Options
}

// NewFinalize creates the finalize stage. gen is optional and only used to
// phrase the summary.
func NewFinalize(gen model.Generator, optFns ...func(o *Options)) *Finalize {
	return &Finalize{gen: gen, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Finalize) Name() string { return NameFinalize }

// Execute implements core.Stage.
func (s *Finalize) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	now := s.opts.Clock()
	patch := core.StatePatch{}

	if plan := state.Plan.Clone(); plan != nil && !plan.Frozen() {
		settleGateSteps(plan, state)
		for _, st := range plan.Steps {
			if st.Status == core.StepPending {
				_ = plan.Skip(st.Number, "not executed")
			}
		}
		plan.Freeze(now)
		patch.Plan = plan
	}

	tasks := NextTasks(state)
	patch.NextTasks = tasks

	failing := state.FailingGates()
	if len(failing) > 0 && !state.Strategy.Loops() {
		patch.LastFailure = core.String(FailureReason(state, failing))
	}

	summary := defaultSummary(state, tasks)
	if s.gen != nil {
		prompt, err := util.Execute(summaryPrompt, map[string]any{
			"Request":    state.Request,
			"Files":      sortedKeys(state.Files),
			"Iterations": state.Iteration + 1,
			"NextTasks":  tasks,
		})
		if err == nil {
			out, genErr := s.gen.Generate(ctx, prompt, model.KindSummary)
			if genErr == nil {
				summary = strings.TrimSpace(out)
			} else {
				s.opts.Logger.Warn("Summary generation failed, using default summary", "workflow_id", state.WorkflowID, "error", genErr)
			}
		}
	}
	patch.Outputs = map[string]string{NameFinalize: summary}

	s.opts.Logger.Info("Workflow finalized", "workflow_id", state.WorkflowID, "iterations", state.Iteration+1, "next_tasks", len(tasks))
	return patch, nil
}

// NextTasks derives recommended follow-up work from the final state.
func NextTasks(state *core.WorkflowState) []string {
	var tasks []string
	add := func(format string, args ...any) {
		t := fmt.Sprintf(format, args...)
		if !slices.Contains(tasks, t) {
			tasks = append(tasks, t)
		}
	}

	for _, f := range core.FindingsForIteration(state.Findings, state.Iteration) {
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		if loc == "" {
			loc = "generated code"
		}
		add("Resolve %s %s finding in %s: %s", f.Severity, f.Category, loc, f.Recommendation)
	}

	for _, g := range state.FailingGates() {
		switch g {
		case core.GateTests:
			add("Fix the failing tests reported in iteration %d", state.Iteration)
		case core.GateReview:
			add("Address the review feedback from iteration %d", state.Iteration)
		case core.GateSecurity:
			add("Re-run the security scan after fixing blocking findings")
		}
	}

	if !slices.Contains(state.Gates, core.GateTests) && len(state.Files) > 0 {
		add("Add automated tests covering the change")
	}
	if !slices.Contains(state.Gates, core.GateSecurity) && len(state.Files) > 0 {
		add("Run a security review of the generated files")
	}
	if !slices.Contains(state.Gates, core.GateReview) {
		add("Have the change reviewed by a maintainer")
	}
	if len(state.Files) == 0 {
		add("Verify the generated code manually; no files were written")
	}
	return tasks
}

func defaultSummary(state *core.WorkflowState, tasks []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %q in %d iteration(s) using %s.", state.Request, state.Iteration+1, state.Strategy)
	if len(state.Files) > 0 {
		fmt.Fprintf(&b, " Files: %s.", strings.Join(sortedKeys(state.Files), ", "))
	}
	if len(tasks) > 0 {
		fmt.Fprintf(&b, " %d follow-up task(s).", len(tasks))
	}
	return b.String()
}
