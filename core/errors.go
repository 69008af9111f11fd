package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrApprovalTimeout is returned when a human checkpoint expires unanswered.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrApprovalRejected is recorded when a reviewer rejects a checkpoint.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrApprovalCancelled is returned when a pending checkpoint is cancelled.
	ErrApprovalCancelled = errors.New("approval cancelled")
	// ErrPlanFrozen is returned when mutating a plan after execution ended.
	ErrPlanFrozen = errors.New("execution plan is frozen")
	// ErrCheckpointNotFound is returned by CheckpointStore.Load for unknown workflows.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRunTimeout is the cancellation cause of a run exceeding its deadline.
	ErrRunTimeout = errors.New("run timeout exceeded")
)

// ValidationError reports a malformed registry, graph or state transition.
// It is fatal: a run hitting it aborts without consulting routing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError is a small convenience constructor.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StageError wraps a stage's internal failure.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IterationBudgetExceeded is recorded when the self-healing loop hits its cap.
type IterationBudgetExceeded struct {
	Iterations  int
	Max         int
	LastFailure string
}

func (e *IterationBudgetExceeded) Error() string {
	return fmt.Sprintf("iteration budget exceeded (%d/%d): %s", e.Iterations, e.Max, e.LastFailure)
}

// SandboxViolation reports a path that escapes the workspace or hits the
// system deny-list. It is never retried.
type SandboxViolation struct {
	Path   string
	Root   string
	Reason string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("sandbox violation: %q (root %q): %s", e.Path, e.Root, e.Reason)
}

// MissingDependency is a single (capability, dependency) pair that could not be satisfied.
type MissingDependency struct {
	Capability string
	Dependency string
}

// MissingDependenciesError enumerates every unsatisfied dependency found by
// a registry validation pass.
type MissingDependenciesError struct {
	Missing []MissingDependency
}

func (e *MissingDependenciesError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		if m.Dependency == "" {
			parts[i] = fmt.Sprintf("%s (unregistered)", m.Capability)
			continue
		}
		parts[i] = fmt.Sprintf("%s -> %s", m.Capability, m.Dependency)
	}
	return "missing dependencies: " + strings.Join(parts, ", ")
}

// IsFatal reports whether err must abort a run immediately without routing.
func IsFatal(err error) bool {
	var ve *ValidationError
	var sv *SandboxViolation
	var md *MissingDependenciesError
	return errors.As(err, &ve) || errors.As(err, &sv) || errors.As(err, &md)
}

// ErrorKind returns a short, stable classification used in error records.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		sv *SandboxViolation
		ib *IterationBudgetExceeded
		md *MissingDependenciesError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sv):
		return "sandbox_violation"
	case errors.As(err, &ve), errors.As(err, &md):
		return "validation"
	case errors.As(err, &ib):
		return "iteration_budget"
	case errors.Is(err, ErrApprovalTimeout):
		return "approval_timeout"
	case errors.Is(err, ErrApprovalRejected):
		return "approval_rejected"
	case errors.Is(err, ErrApprovalCancelled):
		return "approval_cancelled"
	case errors.Is(err, ErrRunTimeout):
		return "timeout"
	default:
		return "stage"
	}
}
