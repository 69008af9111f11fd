package core

// Status is the lifecycle status of a workflow run.
type Status string

const (
	// StatusRunning marks a run that is executing stages.
	StatusRunning Status = "running"
	// StatusCompleted marks a run that reached END successfully.
	StatusCompleted Status = "completed"
	// StatusFailed marks a run that aborted on a hard failure.
	StatusFailed Status = "failed"
	// StatusSelfHealing marks a run that is looping through refinement.
	StatusSelfHealing Status = "self_healing"
	// StatusBlocked marks a run that exhausted its iteration budget.
	StatusBlocked Status = "blocked"
	// StatusAwaitingApproval marks a run suspended at a human checkpoint.
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Terminal reports whether no further stage will run for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// Complexity is the analyzer's classification of a request.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// MaxIterations returns the refinement budget for the complexity class.
func (c Complexity) MaxIterations() int {
	switch c {
	case ComplexityModerate:
		return 5
	case ComplexityComplex:
		return 7
	case ComplexityCritical:
		return 10
	default:
		return 3
	}
}

// Strategy selects the topology of the workflow graph.
type Strategy string

const (
	StrategyLinear         Strategy = "linear"
	StrategyParallelGates  Strategy = "parallel_gates"
	StrategyAdaptiveLoop   Strategy = "adaptive_loop"
	StrategyStagedApproval Strategy = "staged_approval"
)

// Strategies lists every known strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{StrategyLinear, StrategyParallelGates, StrategyAdaptiveLoop, StrategyStagedApproval}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, k := range Strategies() {
		if s == k {
			return true
		}
	}
	return false
}

// Loops reports whether the topology contains the self-healing loop.
func (s Strategy) Loops() bool {
	return s == StrategyParallelGates || s == StrategyAdaptiveLoop || s == StrategyStagedApproval
}

// TaskType is the coarse kind of work a request asks for.
type TaskType string

const (
	TaskFeature       TaskType = "feature"
	TaskBugfix        TaskType = "bugfix"
	TaskRefactor      TaskType = "refactor"
	TaskTesting       TaskType = "testing"
	TaskSecurity      TaskType = "security"
	TaskDocumentation TaskType = "documentation"
)

// Gate names a quality gate whose verdict the aggregator consumes.
type Gate string

const (
	GateSecurity Gate = "security"
	GateTests    Gate = "tests"
	GateReview   Gate = "review"
)

// Gates lists every quality gate in canonical order.
func Gates() []Gate {
	return []Gate{GateSecurity, GateTests, GateReview}
}

// Capability names understood by the default catalog.
const (
	CapImplementation = "implementation"
	CapSecurity       = "security"
	CapTesting        = "testing"
	CapReview         = "review"
	CapAggregator     = "aggregator"
	CapRootCause      = "root_cause"
	CapRefinement     = "refinement"
	CapApproval       = "approval"
	CapFinalize       = "finalize"
)

// GateForCapability maps a gate capability to its gate. The boolean is false
// for capabilities that are not quality gates.
func GateForCapability(capability string) (Gate, bool) {
	switch capability {
	case CapSecurity:
		return GateSecurity, true
	case CapTesting:
		return GateTests, true
	case CapReview:
		return GateReview, true
	default:
		return "", false
	}
}

// CapabilityForGate is the inverse of GateForCapability.
func CapabilityForGate(g Gate) string {
	switch g {
	case GateSecurity:
		return CapSecurity
	case GateTests:
		return CapTesting
	case GateReview:
		return CapReview
	default:
		return ""
	}
}
