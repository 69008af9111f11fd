package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/model"
)

// Implementation generates code for the request, writes the generated files
// into the workspace and maintains the execution plan.
//
// Code whose digest matches an earlier failed attempt is rejected: the stage
// asks once more for a different approach and fails if the answer is still a
// repeat.
type Implementation struct {
	gen   model.Generator
	store core.ArtifactStore
	opts  Options
}

// NewImplementation creates the implementation stage. store may be nil, in
// which case files are only recorded in the state.
func NewImplementation(gen model.Generator, store core.ArtifactStore, optFns ...func(o *Options)) *Implementation {
	return &Implementation{gen: gen, store: store, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Implementation) Name() string { return NameImplementation }

// Execute implements core.Stage.
func (s *Implementation) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	data := map[string]any{
		"Request":      state.Request,
		"Constraints":  state.Constraints,
		"Instructions": state.Outputs[NameRefinement],
	}
	if state.Approval != nil && state.Approval.Action == "reject" {
		data["Feedback"] = state.Approval.Feedback
	}
	if state.Iteration > 0 {
		data["Previous"] = state.Code
	}

	var (
		raw    string
		blocks []CodeBlock
		code   string
		digest string
	)
	for attempt := 0; attempt < 2; attempt++ {
		data["Retry"] = attempt > 0
		prompt, err := util.Execute(implementationPrompt, data)
		if err != nil {
			return core.StatePatch{}, err
		}
		raw, err = s.gen.Generate(ctx, prompt, model.KindCode)
		if err != nil {
			return core.StatePatch{}, fmt.Errorf("generate code: %w", err)
		}
		blocks = ParseCodeBlocks(raw)
		code = listing(raw, blocks)
		digest = Digest(code)
		if !slices.Contains(state.FailedAttempts, digest) {
			break
		}
		s.opts.Logger.Warn("Generated code repeats a failed attempt", "workflow_id", state.WorkflowID, "digest", digest, "attempt", attempt+1)
		if attempt == 1 {
			return core.StatePatch{}, fmt.Errorf("implementation repeats failed attempt %s", digest)
		}
	}

	now := s.opts.Clock()
	plan := state.Plan.Clone()
	if plan == nil {
		plan = core.NewExecutionPlan(now)
	}
	if plan.Frozen() {
		return core.StatePatch{}, core.ErrPlanFrozen
	}
	if state.Iteration > 0 {
		settleGateSteps(plan, state)
	}

	var (
		files     = map[string]string{}
		artifacts []core.Artifact
		fileSteps []int
	)
	for _, b := range blocks {
		if b.Path == "" {
			continue
		}
		action := core.ActionCreateFile
		if _, ok := state.Files[b.Path]; ok {
			action = core.ActionModifyFile
		}
		n, err := plan.AddStep(action, b.Path, fmt.Sprintf("iteration %d: write %s", state.Iteration, b.Path))
		if err != nil {
			return core.StatePatch{}, err
		}
		fileSteps = append(fileSteps, n)
		_ = plan.Start(n)

		if s.store != nil {
			if err := s.store.Save(ctx, state.WorkspaceRoot, b.Path, []byte(b.Content)); err != nil {
				_ = plan.Fail(n, err.Error())
				var v *core.SandboxViolation
				if errors.As(err, &v) {
					return core.StatePatch{}, err
				}
				return core.StatePatch{}, fmt.Errorf("write %s: %w", b.Path, err)
			}
		}
		_ = plan.Complete(n)

		files[b.Path] = b.Content
		sum := sha256.Sum256([]byte(b.Content))
		artifacts = append(artifacts, core.Artifact{
			Path:      b.Path,
			Digest:    hex.EncodeToString(sum[:]),
			Size:      len(b.Content),
			Stage:     NameImplementation,
			Iteration: state.Iteration,
		})
	}

	for _, g := range state.Gates {
		action, desc := core.ActionReview, "review the change"
		switch g {
		case core.GateTests:
			action, desc = core.ActionRunTests, "run tests"
		case core.GateSecurity:
			desc = "security scan"
		}
		if _, err := plan.AddStep(action, string(g), fmt.Sprintf("iteration %d: %s", state.Iteration, desc), fileSteps...); err != nil {
			return core.StatePatch{}, err
		}
	}

	s.opts.Logger.Debug("Implementation generated", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "files", len(files), "digest", digest)

	return core.StatePatch{
		Outputs:   map[string]string{NameImplementation: raw},
		Files:     files,
		Code:      core.String(code),
		Plan:      plan,
		Artifacts: artifacts,
	}, nil
}

// listing is the code the gates inspect: all path blocks joined, otherwise
// the unnamed blocks, otherwise the raw answer.
func listing(raw string, blocks []CodeBlock) string {
	files := map[string]string{}
	var unnamed []string
	for _, b := range blocks {
		if b.Path != "" {
			files[b.Path] = b.Content
		} else {
			unnamed = append(unnamed, b.Content)
		}
	}
	if len(files) > 0 {
		return JoinBlocks(files)
	}
	if len(unnamed) > 0 {
		return strings.Join(unnamed, "\n")
	}
	return raw
}

// settleGateSteps resolves the pending gate steps of the plan from the
// verdicts recorded in state.
func settleGateSteps(plan *core.ExecutionPlan, state *core.WorkflowState) {
	for i := range plan.Steps {
		st := plan.Steps[i]
		if st.Status != core.StepPending || (st.Action != core.ActionReview && st.Action != core.ActionRunTests) {
			continue
		}
		g := core.Gate(st.Target)
		if !slices.Contains(core.Gates(), g) {
			continue
		}
		if !plan.CanStart(st.Number) {
			_ = plan.Skip(st.Number, "dependency did not complete")
			continue
		}
		_ = plan.Start(st.Number)
		if v := state.Verdict(g); v != nil && *v {
			_ = plan.Complete(st.Number)
		} else {
			_ = plan.Fail(st.Number, fmt.Sprintf("%s gate failed", g))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
