package core

import (
	"maps"
	"slices"
	"time"
)

// ErrorRecord is one entry of the append-only error log.
type ErrorRecord struct {
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	At        time.Time `json:"at"`
}

// NewErrorRecord classifies err and stamps it with the stage and iteration.
func NewErrorRecord(stage string, iteration int, err error, at time.Time) ErrorRecord {
	return ErrorRecord{Stage: stage, Kind: ErrorKind(err), Message: err.Error(), Iteration: iteration, At: at}
}

// Artifact describes a file produced during a run.
type Artifact struct {
	Path      string `json:"path"`
	Digest    string `json:"digest"`
	Size      int    `json:"size"`
	Stage     string `json:"stage"`
	Iteration int    `json:"iteration"`
}

// ApprovalRecord tracks the human checkpoint of the current iteration.
// Action stays empty while the request is pending.
type ApprovalRecord struct {
	RequestID       string    `json:"request_id"`
	Iteration       int       `json:"iteration"`
	Action          string    `json:"action,omitempty"`
	Feedback        string    `json:"feedback,omitempty"`
	ModifiedContent string    `json:"modified_content,omitempty"`
	RespondedAt     time.Time `json:"responded_at,omitzero"`
}

// RootCause is the structured output of the root-cause analysis stage.
type RootCause struct {
	Iteration   int      `json:"iteration"`
	Summary     string   `json:"summary"`
	FailedGates []Gate   `json:"failed_gates,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	Constraints []string `json:"constraints,omitempty"`
	Repeated    bool     `json:"repeated,omitempty"`
}

// WorkflowState is the record threaded through every stage of a run. Stages
// receive a read-only clone and describe their changes as a StatePatch.
type WorkflowState struct {
	WorkflowID       string     `json:"workflow_id"`
	SessionID        string     `json:"session_id"`
	Request          string     `json:"request"`
	WorkspaceRoot    string     `json:"workspace_root"`
	TaskType         TaskType   `json:"task_type"`
	Complexity       Complexity `json:"complexity"`
	Strategy         Strategy   `json:"strategy"`
	Capabilities     []string   `json:"capabilities"`
	Gates            []Gate     `json:"gates"`
	MaxIterations    int        `json:"max_iterations"`
	RequiresApproval bool       `json:"requires_approval"`

	Outputs map[string]string `json:"outputs"`
	Code    string            `json:"code,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Plan    *ExecutionPlan    `json:"plan,omitempty"`

	SecurityPassed *bool `json:"security_passed,omitempty"`
	TestsPassed    *bool `json:"tests_passed,omitempty"`
	ReviewApproved *bool `json:"review_approved,omitempty"`

	Iteration   int             `json:"iteration"`
	Status      Status          `json:"status"`
	LastFailure string          `json:"last_failure,omitempty"`
	Approval    *ApprovalRecord `json:"approval,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Errors         []ErrorRecord     `json:"errors,omitempty"`
	Findings       []SecurityFinding `json:"findings,omitempty"`
	Artifacts      []Artifact        `json:"artifacts,omitempty"`
	Constraints    []string          `json:"constraints,omitempty"`
	FailedAttempts []string          `json:"failed_attempts,omitempty"`
	RootCauses     []RootCause       `json:"root_causes,omitempty"`
	NextTasks      []string          `json:"next_tasks,omitempty"`
}

// NewWorkflowState returns a running state for request rooted at workspace.
func NewWorkflowState(workflowID, sessionID, request, workspace string, now time.Time) *WorkflowState {
	return &WorkflowState{
		WorkflowID:    workflowID,
		SessionID:     sessionID,
		Request:       request,
		WorkspaceRoot: workspace,
		Outputs:       map[string]string{},
		Files:         map[string]string{},
		Status:        StatusRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Verdict returns the recorded verdict for gate g (nil when the gate has not run).
func (s *WorkflowState) Verdict(g Gate) *bool {
	switch g {
	case GateSecurity:
		return s.SecurityPassed
	case GateTests:
		return s.TestsPassed
	case GateReview:
		return s.ReviewApproved
	default:
		return nil
	}
}

// FailingGates returns the requested gates whose verdict is not a pass, in
// canonical gate order.
func (s *WorkflowState) FailingGates() []Gate {
	var out []Gate
	for _, g := range Gates() {
		if !slices.Contains(s.Gates, g) {
			continue
		}
		if v := s.Verdict(g); v == nil || !*v {
			out = append(out, g)
		}
	}
	return out
}

// HasCapability reports whether capability was requested for this run.
func (s *WorkflowState) HasCapability(capability string) bool {
	return slices.Contains(s.Capabilities, capability)
}

// Clone returns a deep copy safe to hand to a concurrently running stage.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Capabilities = slices.Clone(s.Capabilities)
	cp.Gates = slices.Clone(s.Gates)
	cp.Outputs = maps.Clone(s.Outputs)
	if cp.Outputs == nil {
		cp.Outputs = map[string]string{}
	}
	cp.Files = maps.Clone(s.Files)
	if cp.Files == nil {
		cp.Files = map[string]string{}
	}
	cp.Plan = s.Plan.Clone()
	cp.SecurityPassed = cloneBool(s.SecurityPassed)
	cp.TestsPassed = cloneBool(s.TestsPassed)
	cp.ReviewApproved = cloneBool(s.ReviewApproved)
	if s.Approval != nil {
		a := *s.Approval
		cp.Approval = &a
	}
	cp.Errors = slices.Clone(s.Errors)
	cp.Findings = slices.Clone(s.Findings)
	cp.Artifacts = slices.Clone(s.Artifacts)
	cp.Constraints = slices.Clone(s.Constraints)
	cp.FailedAttempts = slices.Clone(s.FailedAttempts)
	cp.RootCauses = make([]RootCause, len(s.RootCauses))
	for i, rc := range s.RootCauses {
		rc.FailedGates = slices.Clone(rc.FailedGates)
		rc.Constraints = slices.Clone(rc.Constraints)
		cp.RootCauses[i] = rc
	}
	cp.NextTasks = slices.Clone(s.NextTasks)
	return &cp
}

// Apply commits a (merged) patch to the state.
func (s *WorkflowState) Apply(p StatePatch, now time.Time) {
	if s.Outputs == nil {
		s.Outputs = map[string]string{}
	}
	if s.Files == nil {
		s.Files = map[string]string{}
	}
	for k, v := range p.Outputs {
		s.Outputs[k] = v
	}
	for k, v := range p.Files {
		s.Files[k] = v
	}
	if p.Code != nil {
		s.Code = *p.Code
	}
	if p.Plan != nil {
		s.Plan = p.Plan.Clone()
	}
	if p.SecurityPassed != nil {
		s.SecurityPassed = cloneBool(p.SecurityPassed)
	}
	if p.TestsPassed != nil {
		s.TestsPassed = cloneBool(p.TestsPassed)
	}
	if p.ReviewApproved != nil {
		s.ReviewApproved = cloneBool(p.ReviewApproved)
	}
	if p.Iteration != nil {
		s.Iteration = *p.Iteration
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.LastFailure != nil {
		s.LastFailure = *p.LastFailure
	}
	if p.Approval != nil {
		a := *p.Approval
		s.Approval = &a
	}
	s.Errors = append(s.Errors, p.Errors...)
	s.Findings = append(s.Findings, p.Findings...)
	s.Artifacts = append(s.Artifacts, p.Artifacts...)
	s.Constraints = append(s.Constraints, p.Constraints...)
	s.FailedAttempts = append(s.FailedAttempts, p.FailedAttempts...)
	s.RootCauses = append(s.RootCauses, p.RootCauses...)
	s.NextTasks = append(s.NextTasks, p.NextTasks...)
	s.UpdatedAt = now
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
