// Package analyzer classifies a free-text task request into the parameters
// that drive graph construction: complexity, task type, capabilities,
// strategy, iteration budget and whether human approval is required.
//
// Classification is rule based and pure: the same text always yields the same
// Analysis.
package analyzer

import (
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/agentgraph/core"
)

// Analysis is the result of classifying a request.
type Analysis struct {
	Complexity       core.Complexity `json:"complexity" yaml:"complexity"`
	TaskType         core.TaskType   `json:"task_type" yaml:"task_type"`
	Capabilities     []string        `json:"capabilities" yaml:"capabilities"`
	Strategy         core.Strategy   `json:"strategy" yaml:"strategy"`
	MaxIterations    int             `json:"max_iterations" yaml:"max_iterations"`
	RequiresApproval bool            `json:"requires_approval" yaml:"requires_approval"`
	// Signals lists the keywords that drove the classification.
	Signals []string `json:"signals,omitempty" yaml:"signals,omitempty"`
}

// Gates returns the quality gates implied by the capabilities.
func (a Analysis) Gates() []core.Gate {
	var out []core.Gate
	for _, g := range core.Gates() {
		if slices.Contains(a.Capabilities, core.CapabilityForGate(g)) {
			out = append(out, g)
		}
	}
	return out
}

// CapabilitySource supplies extra capabilities required for a task type.
// *registry.Registry satisfies it.
type CapabilitySource interface {
	RequiredFor(taskType core.TaskType) []string
}

// Options configures an Analyzer.
type Options struct {
	// Registry, when set, contributes capabilities whose descriptors list the
	// detected task type as required.
	Registry CapabilitySource

	// DefaultCapability is always part of the result.
	DefaultCapability string

	CriticalKeywords   []string
	StructuralKeywords []string
	ScaleKeywords      []string
}

// DefaultKeywords used by New.
var (
	DefaultCriticalKeywords   = []string{"production", "security", "secure", "payment", "payments", "auth", "authentication", "credential", "credentials", "billing", "deploy", "deployment"}
	DefaultStructuralKeywords = []string{"refactor", "refactoring", "architecture", "architectural", "migrate", "migration", "redesign", "restructure"}
	DefaultScaleKeywords      = []string{"multiple", "several", "many", "batch", "across"}
)

var taskTypeKeywords = []struct {
	taskType core.TaskType
	words    []string
}{
	{core.TaskSecurity, []string{"vulnerability", "vulnerabilities", "cve", "xss", "injection", "harden", "audit"}},
	{core.TaskBugfix, []string{"fix", "bug", "bugs", "broken", "crash", "error", "issue", "regression"}},
	{core.TaskRefactor, []string{"refactor", "refactoring", "restructure", "cleanup", "clean", "simplify", "migrate", "migration"}},
	{core.TaskTesting, []string{"test", "tests", "testing", "coverage", "unit", "integration"}},
	{core.TaskDocumentation, []string{"document", "documentation", "docs", "readme", "docstring", "comment", "comments"}},
}

var wordRe = regexp.MustCompile(`[a-z0-9_]+`)

// Analyzer is a stateless, rule-based request classifier.
type Analyzer struct {
	opts Options
}

// New creates an Analyzer with the default keyword tables.
func New(optFns ...func(o *Options)) *Analyzer {
	opts := Options{
		DefaultCapability:  core.CapImplementation,
		CriticalKeywords:   DefaultCriticalKeywords,
		StructuralKeywords: DefaultStructuralKeywords,
		ScaleKeywords:      DefaultScaleKeywords,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Analyzer{opts: opts}
}

// Analyze classifies text. Precedence is critical > structural > scale > simple.
func (a *Analyzer) Analyze(text string) Analysis {
	words := tokenize(text)

	var (
		res     Analysis
		signals []string
	)
	match := func(keywords []string) bool {
		hit := false
		for _, k := range keywords {
			if words[k] {
				signals = append(signals, k)
				hit = true
			}
		}
		return hit
	}

	switch {
	case match(a.opts.CriticalKeywords):
		res.Complexity, res.Strategy, res.RequiresApproval = core.ComplexityCritical, core.StrategyStagedApproval, true
	case match(a.opts.StructuralKeywords):
		res.Complexity, res.Strategy = core.ComplexityComplex, core.StrategyAdaptiveLoop
	case match(a.opts.ScaleKeywords):
		res.Complexity, res.Strategy = core.ComplexityModerate, core.StrategyParallelGates
	default:
		res.Complexity, res.Strategy = core.ComplexitySimple, core.StrategyLinear
	}
	res.MaxIterations = res.Complexity.MaxIterations()
	res.TaskType = detectTaskType(words)
	res.Capabilities = a.capabilities(words, res)
	sort.Strings(signals)
	res.Signals = slices.Compact(signals)
	return res
}

func detectTaskType(words map[string]bool) core.TaskType {
	for _, tk := range taskTypeKeywords {
		for _, w := range tk.words {
			if words[w] {
				return tk.taskType
			}
		}
	}
	return core.TaskFeature
}

func (a *Analyzer) capabilities(words map[string]bool, res Analysis) []string {
	// The default capability is always present so the set is never empty.
	set := map[string]bool{a.opts.DefaultCapability: true}

	mentioned := map[string]bool{
		core.CapSecurity: words["security"] || words["secure"] || words["vulnerability"] || words["vulnerabilities"] || words["audit"],
		core.CapTesting:  words["test"] || words["tests"] || words["testing"] || words["coverage"],
		core.CapReview:   words["review"] || words["reviewed"] || words["quality"],
	}

	switch res.Strategy {
	case core.StrategyStagedApproval:
		set[core.CapSecurity], set[core.CapTesting], set[core.CapReview] = true, true, true
		set[core.CapApproval] = true
	case core.StrategyAdaptiveLoop:
		set[core.CapReview], set[core.CapTesting] = true, true
	case core.StrategyParallelGates:
		found := false
		for c, ok := range mentioned {
			if ok {
				set[c] = true
				found = true
			}
		}
		if !found {
			set[core.CapReview], set[core.CapTesting] = true, true
		}
	}
	for c, ok := range mentioned {
		if ok {
			set[c] = true
		}
	}
	if res.TaskType == core.TaskSecurity {
		set[core.CapSecurity] = true
	}
	if a.opts.Registry != nil {
		for _, c := range a.opts.Registry.RequiredFor(res.TaskType) {
			set[c] = true
		}
	}
	if res.Strategy.Loops() {
		set[core.CapAggregator], set[core.CapRootCause], set[core.CapRefinement] = true, true, true
	}
	if res.RequiresApproval {
		set[core.CapApproval] = true
	}

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		out[w] = true
	}
	return out
}
