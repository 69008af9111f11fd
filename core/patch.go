package core

import "fmt"

// StatePatch is the delta a stage returns. Nil scalar pointers mean "not
// written". Map entries are scalars per key. Slice fields are append-only and
// concatenate on merge.
type StatePatch struct {
	Outputs map[string]string
	Files   map[string]string
	Code    *string
	Plan    *ExecutionPlan

	SecurityPassed *bool
	TestsPassed    *bool
	ReviewApproved *bool

	Iteration   *int
	Status      *Status
	LastFailure *string
	Approval    *ApprovalRecord

	Errors         []ErrorRecord
	Findings       []SecurityFinding
	Artifacts      []Artifact
	Constraints    []string
	FailedAttempts []string
	RootCauses     []RootCause
	NextTasks      []string

	// Suspend, when set, asks the engine to pause the run at this stage until
	// the named human checkpoint request is resolved.
	Suspend string
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status { return &s }

// VerdictPatch returns a patch recording a single gate verdict.
func VerdictPatch(g Gate, passed bool) StatePatch {
	var p StatePatch
	switch g {
	case GateSecurity:
		p.SecurityPassed = Bool(passed)
	case GateTests:
		p.TestsPassed = Bool(passed)
	case GateReview:
		p.ReviewApproved = Bool(passed)
	}
	return p
}

// StagePatch pairs a patch with the stage that produced it.
type StagePatch struct {
	Stage string
	Patch StatePatch
}

// MergePatches folds the patches of one execution step into a single patch.
// Patches are merged in the given order so that append-only fields are
// deterministic. Two patches writing the same scalar (or the same map key)
// within one step is a ValidationError.
func MergePatches(patches []StagePatch) (StatePatch, error) {
	var (
		out     StatePatch
		writers = map[string]string{}
	)

	claim := func(field, stage string) error {
		if prev, ok := writers[field]; ok {
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("conflicting writes by %s and %s in one step", prev, stage),
			}
		}
		writers[field] = stage
		return nil
	}

	for _, sp := range patches {
		p := sp.Patch
		for k, v := range p.Outputs {
			if err := claim("outputs."+k, sp.Stage); err != nil {
				return StatePatch{}, err
			}
			if out.Outputs == nil {
				out.Outputs = map[string]string{}
			}
			out.Outputs[k] = v
		}
		for k, v := range p.Files {
			if err := claim("files."+k, sp.Stage); err != nil {
				return StatePatch{}, err
			}
			if out.Files == nil {
				out.Files = map[string]string{}
			}
			out.Files[k] = v
		}

		scalars := []struct {
			name string
			set  bool
			fn   func()
		}{
			{"code", p.Code != nil, func() { out.Code = p.Code }},
			{"plan", p.Plan != nil, func() { out.Plan = p.Plan }},
			{"security_passed", p.SecurityPassed != nil, func() { out.SecurityPassed = p.SecurityPassed }},
			{"tests_passed", p.TestsPassed != nil, func() { out.TestsPassed = p.TestsPassed }},
			{"review_approved", p.ReviewApproved != nil, func() { out.ReviewApproved = p.ReviewApproved }},
			{"iteration", p.Iteration != nil, func() { out.Iteration = p.Iteration }},
			{"status", p.Status != nil, func() { out.Status = p.Status }},
			{"last_failure", p.LastFailure != nil, func() { out.LastFailure = p.LastFailure }},
			{"approval", p.Approval != nil, func() { out.Approval = p.Approval }},
			{"suspend", p.Suspend != "", func() { out.Suspend = p.Suspend }},
		}
		for _, s := range scalars {
			if !s.set {
				continue
			}
			if err := claim(s.name, sp.Stage); err != nil {
				return StatePatch{}, err
			}
			s.fn()
		}

		out.Errors = append(out.Errors, p.Errors...)
		out.Findings = append(out.Findings, p.Findings...)
		out.Artifacts = append(out.Artifacts, p.Artifacts...)
		out.Constraints = append(out.Constraints, p.Constraints...)
		out.FailedAttempts = append(out.FailedAttempts, p.FailedAttempts...)
		out.RootCauses = append(out.RootCauses, p.RootCauses...)
		out.NextTasks = append(out.NextTasks, p.NextTasks...)
	}

	return out, nil
}
