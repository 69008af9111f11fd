package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/hitl"
)

// ApprovalOptions configures the approval stage.
type ApprovalOptions struct {
	Options
	Kind hitl.Kind
	// Timeout overrides the manager default when positive.
	Timeout time.Duration
}

// Approval is the human checkpoint. On first execution in an iteration it
// files a request and asks the engine to suspend. When the run is resumed it
// executes again, finds the resolved request and records the decision.
type Approval struct {
	mgr  *hitl.Manager
	opts ApprovalOptions
}

// NewApproval creates the approval stage on top of mgr.
func NewApproval(mgr *hitl.Manager, optFns ...func(o *ApprovalOptions)) *Approval {
	opts := ApprovalOptions{Options: newOptions(nil), Kind: hitl.KindApprove}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Approval{mgr: mgr, opts: opts}
}

// Name implements core.Stage.
func (s *Approval) Name() string { return NameApproval }

// Execute implements core.Stage.
func (s *Approval) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	if rec := state.Approval; rec != nil && rec.RequestID != "" && rec.Iteration == state.Iteration {
		if rec.Action != "" {
			return core.StatePatch{}, nil
		}
		r, err := s.mgr.Get(rec.RequestID)
		switch {
		case errors.Is(err, hitl.ErrRequestNotFound):
			s.opts.Logger.Warn("Checkpoint request lost, filing a new one", "workflow_id", state.WorkflowID, "request_id", rec.RequestID)
		case err != nil:
			return core.StatePatch{}, err
		default:
			return s.decide(state, r)
		}
	}
	return s.submit(ctx, state)
}

func (s *Approval) submit(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	req := hitl.Request{
		WorkflowID: state.WorkflowID,
		StageID:    NameApproval,
		Kind:       s.opts.Kind,
		Title:      fmt.Sprintf("Approve changes for: %s", firstLine(state.Request)),
		Content:    approvalContent(state),
		Priority:   hitl.PriorityNormal,
	}
	if state.Complexity == core.ComplexityCritical {
		req.Priority = hitl.PriorityHigh
	}
	if s.opts.Timeout > 0 {
		req.ExpiresAt = s.opts.Clock().Add(s.opts.Timeout)
	}
	req, err := s.mgr.Submit(ctx, req)
	if err != nil {
		return core.StatePatch{}, err
	}
	return core.StatePatch{
		Approval: &core.ApprovalRecord{RequestID: req.ID, Iteration: state.Iteration},
		Suspend:  req.ID,
	}, nil
}

func (s *Approval) decide(state *core.WorkflowState, r hitl.Record) (core.StatePatch, error) {
	id := r.Request.ID
	switch r.State {
	case hitl.StatePending:
		return core.StatePatch{Suspend: id}, nil
	case hitl.StateExpired:
		return core.StatePatch{}, fmt.Errorf("%w: request %s", core.ErrApprovalTimeout, id)
	case hitl.StateCancelled:
		reason := ""
		if r.Response != nil {
			reason = r.Response.Feedback
		}
		return core.StatePatch{}, fmt.Errorf("%w: request %s %s", core.ErrApprovalCancelled, id, reason)
	}

	resp := r.Response
	rec := &core.ApprovalRecord{
		RequestID:       id,
		Iteration:       state.Iteration,
		Action:          string(resp.Action),
		Feedback:        resp.Feedback,
		ModifiedContent: resp.ModifiedContent,
		RespondedAt:     resp.RespondedAt,
	}
	if resp.Action == hitl.ActionChoose && rec.Feedback == "" {
		rec.Feedback = resp.ChosenOption
	}
	patch := core.StatePatch{
		Approval: rec,
		Outputs:  map[string]string{NameApproval: fmt.Sprintf("%s by %s", resp.Action, responder(resp))},
	}
	switch resp.Action {
	case hitl.ActionEdit:
		patch.Code = core.String(resp.ModifiedContent)
	case hitl.ActionReject:
		reason := "approval rejected"
		if resp.Feedback != "" {
			reason += ": " + resp.Feedback
		}
		patch.LastFailure = core.String(reason)
		patch.Errors = []core.ErrorRecord{core.NewErrorRecord(NameApproval, state.Iteration, fmt.Errorf("%w: %s", core.ErrApprovalRejected, resp.Feedback), s.opts.Clock())}
	}
	s.opts.Logger.Info("Checkpoint decision recorded", "workflow_id", state.WorkflowID, "request_id", id, "action", resp.Action)
	return patch, nil
}

func responder(r *hitl.Response) string {
	if r.Responder == "" {
		return "reviewer"
	}
	return r.Responder
}

func approvalContent(state *core.WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nIteration: %d\n", state.Request, state.Iteration)
	for _, g := range state.Gates {
		v := "not run"
		if p := state.Verdict(g); p != nil {
			v = map[bool]string{true: "passed", false: "failed"}[*p]
		}
		fmt.Fprintf(&b, "Gate %s: %s\n", g, v)
	}
	if fs := core.FindingsForIteration(state.Findings, state.Iteration); len(fs) > 0 {
		fmt.Fprintf(&b, "Security findings: %d\n", len(fs))
	}
	if len(state.Files) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(sortedKeys(state.Files), ", "))
	}
	code := state.Code
	if len(code) > 4000 {
		code = code[:4000] + "\n[truncated]"
	}
	b.WriteString("\n")
	b.WriteString(code)
	return b.String()
}
