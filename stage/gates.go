package stage

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/model"
)

// Tests is the testing quality gate. The generator evaluates the change and
// must end its report with a VERDICT line.
type Tests struct {
	gen  model.Generator
	opts Options
}

// NewTests creates the tests gate.
func NewTests(gen model.Generator, optFns ...func(o *Options)) *Tests {
	return &Tests{gen: gen, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Tests) Name() string { return NameTests }

// Gate implements core.GateStage.
func (s *Tests) Gate() core.Gate { return core.GateTests }

// Execute implements core.Stage.
func (s *Tests) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	prompt, err := util.Execute(testsPrompt, map[string]any{"Request": state.Request, "Code": state.Code})
	if err != nil {
		return core.StatePatch{}, err
	}
	out, err := s.gen.Generate(ctx, prompt, model.KindTests)
	if err != nil {
		return core.StatePatch{}, fmt.Errorf("evaluate tests: %w", err)
	}
	passed, err := ParseVerdict(out)
	if err != nil {
		return core.StatePatch{}, err
	}

	s.opts.Logger.Debug("Tests gate evaluated", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "passed", passed)

	patch := core.VerdictPatch(core.GateTests, passed)
	patch.Outputs = map[string]string{NameTests: out}
	return patch, nil
}

// Review is the code review quality gate.
type Review struct {
	gen  model.Generator
	opts Options
}

// NewReview creates the review gate.
func NewReview(gen model.Generator, optFns ...func(o *Options)) *Review {
	return &Review{gen: gen, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Review) Name() string { return NameReview }

// Gate implements core.GateStage.
func (s *Review) Gate() core.Gate { return core.GateReview }

// Execute implements core.Stage.
func (s *Review) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	prompt, err := util.Execute(reviewPrompt, map[string]any{
		"Request":     state.Request,
		"Code":        state.Code,
		"Constraints": state.Constraints,
	})
	if err != nil {
		return core.StatePatch{}, err
	}
	out, err := s.gen.Generate(ctx, prompt, model.KindReview)
	if err != nil {
		return core.StatePatch{}, fmt.Errorf("review: %w", err)
	}
	approved, err := ParseDecision(out)
	if err != nil {
		return core.StatePatch{}, err
	}

	s.opts.Logger.Debug("Review gate evaluated", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "approved", approved)

	patch := core.VerdictPatch(core.GateReview, approved)
	patch.Outputs = map[string]string{NameReview: out}
	return patch, nil
}
