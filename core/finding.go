package core

// Severity grades a security finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Blocking reports whether a finding of this severity fails the security gate.
func (s Severity) Blocking() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// SecurityFinding is produced by the security gate and consumed by the
// aggregator and finalize stages.
type SecurityFinding struct {
	Rule           string   `json:"rule"`
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	File           string   `json:"file,omitempty"`
	Line           int      `json:"line,omitempty"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
	Iteration      int      `json:"iteration"`
}

// BlockingFindings filters findings down to those that fail the gate.
func BlockingFindings(findings []SecurityFinding) []SecurityFinding {
	var out []SecurityFinding
	for _, f := range findings {
		if f.Severity.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// FindingsForIteration returns the findings recorded in iteration i.
func FindingsForIteration(findings []SecurityFinding, i int) []SecurityFinding {
	var out []SecurityFinding
	for _, f := range findings {
		if f.Iteration == i {
			out = append(out, f)
		}
	}
	return out
}
