package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/model"
)

// ChangeApproachConstraint is added when the same failure repeats.
const ChangeApproachConstraint = "the previous approach failed the same way more than once: change the approach instead of patching it"

// RootCause analyses why the current iteration failed before any refinement
// happens. Its report turns into enforceable state:
//
//   - the digest of the failing code is appended to FailedAttempts, which the
//     implementation stage refuses to regenerate;
//   - the constraints it states are appended to Constraints, which every
//     later implementation and review prompt carries;
//   - a failure fingerprint equal to an earlier one marks the report as
//     repeated and adds ChangeApproachConstraint.
type RootCause struct {
	gen  model.Generator
	opts Options
}

// NewRootCause creates the root-cause stage. With a nil generator the
// summary is derived from the recorded failure alone.
func NewRootCause(gen model.Generator, optFns ...func(o *Options)) *RootCause {
	return &RootCause{gen: gen, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *RootCause) Name() string { return NameRootCause }

// Execute implements core.Stage.
func (s *RootCause) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	failing := state.FailingGates()
	reason := state.LastFailure
	if rejected(state) {
		reason = "approval rejected: " + state.Approval.Feedback
	}

	fp := Fingerprint(failing, reason)
	repeated := slices.ContainsFunc(state.RootCauses, func(rc core.RootCause) bool { return rc.Fingerprint == fp })

	gateOutputs := map[string]string{}
	for _, g := range failing {
		if out := state.Outputs[string(g)]; out != "" {
			gateOutputs[string(g)] = out
		}
	}

	summary := firstLine(reason)
	var proposed []string
	if s.gen != nil {
		prompt, err := util.Execute(rootCausePrompt, map[string]any{
			"Request":     state.Request,
			"FailedGates": gateNames(failing),
			"LastFailure": reason,
			"GateOutputs": gateOutputs,
			"Constraints": state.Constraints,
			"Repeated":    repeated,
		})
		if err != nil {
			return core.StatePatch{}, err
		}
		out, err := s.gen.Generate(ctx, prompt, model.KindRootCause)
		if err != nil {
			return core.StatePatch{}, fmt.Errorf("root cause analysis: %w", err)
		}
		if sum, cs := ParseRootCause(out); sum != "" {
			summary, proposed = sum, cs
		} else {
			proposed = cs
		}
	}
	proposed = append(proposed, findingConstraints(state)...)
	if repeated {
		proposed = append(proposed, ChangeApproachConstraint)
	}

	var added []string
	for _, c := range proposed {
		c = strings.TrimSpace(c)
		if c == "" || slices.Contains(state.Constraints, c) || slices.Contains(added, c) {
			continue
		}
		added = append(added, c)
	}

	report := core.RootCause{
		Iteration:   state.Iteration,
		Summary:     summary,
		FailedGates: failing,
		Fingerprint: fp,
		Constraints: added,
		Repeated:    repeated,
	}

	patch := core.StatePatch{
		RootCauses:  []core.RootCause{report},
		Constraints: added,
		Outputs:     map[string]string{NameRootCause: summary},
	}
	if state.Code != "" {
		d := Digest(state.Code)
		if !slices.Contains(state.FailedAttempts, d) {
			patch.FailedAttempts = []string{d}
		}
	}

	s.opts.Logger.Info("Root cause recorded", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "fingerprint", fp, "repeated", repeated, "constraints", len(added))
	return patch, nil
}

var digitsRe = regexp.MustCompile(`\d+`)

// Fingerprint identifies a failure independent of the iteration it happened
// in: the failing gates plus the failure reason with numbers masked.
func Fingerprint(failing []core.Gate, reason string) string {
	reason = digitsRe.ReplaceAllString(reason, "#")
	h := sha256.New()
	for _, g := range failing {
		h.Write([]byte(g))
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.ToLower(strings.TrimSpace(reason))))
	return hex.EncodeToString(h.Sum(nil)[:6])
}

func findingConstraints(state *core.WorkflowState) []string {
	var out []string
	for _, f := range core.BlockingFindings(core.FindingsForIteration(state.Findings, state.Iteration)) {
		if f.Recommendation == "" {
			continue
		}
		out = append(out, fmt.Sprintf("avoid %s (%s): %s", f.Description, f.Category, f.Recommendation))
	}
	return out
}

func rejected(state *core.WorkflowState) bool {
	return state.Approval != nil && state.Approval.Iteration == state.Iteration && state.Approval.Action == "reject"
}

func gateNames(gates []core.Gate) []string {
	out := make([]string, len(gates))
	for i, g := range gates {
		out[i] = string(g)
	}
	return out
}

// Refinement turns the latest root-cause report into instructions for the
// next implementation attempt and advances the iteration counter.
type Refinement struct {
	gen  model.Generator
	opts Options
}

// NewRefinement creates the refinement stage. With a nil generator the
// instructions are the report summary and the constraints.
func NewRefinement(gen model.Generator, optFns ...func(o *Options)) *Refinement {
	return &Refinement{gen: gen, opts: newOptions(optFns)}
}

// Name implements core.Stage.
func (s *Refinement) Name() string { return NameRefinement }

// Execute implements core.Stage.
func (s *Refinement) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	var rc core.RootCause
	if n := len(state.RootCauses); n > 0 {
		rc = state.RootCauses[n-1]
	}

	instructions := fmt.Sprintf("Fix: %s\nConstraints:\n- %s", rc.Summary, strings.Join(state.Constraints, "\n- "))
	if s.gen != nil {
		prompt, err := util.Execute(refinementPrompt, map[string]any{
			"Request":     state.Request,
			"Iteration":   state.Iteration,
			"Summary":     rc.Summary,
			"Constraints": state.Constraints,
		})
		if err != nil {
			return core.StatePatch{}, err
		}
		out, err := s.gen.Generate(ctx, prompt, model.KindRefine)
		if err != nil {
			return core.StatePatch{}, fmt.Errorf("refine: %w", err)
		}
		instructions = out
	}

	next := state.Iteration + 1
	s.opts.Logger.Info("Refinement scheduled", "workflow_id", state.WorkflowID, "iteration", next, "max_iterations", state.MaxIterations)

	return core.StatePatch{
		Iteration: core.Int(next),
		Outputs:   map[string]string{NameRefinement: instructions},
	}, nil
}
