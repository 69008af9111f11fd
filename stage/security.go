package stage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/model"
)

// Rule is one pattern of the static security scanner.
type Rule struct {
	ID             string
	Severity       core.Severity
	Category       string
	Pattern        *regexp.Regexp
	Unless         *regexp.Regexp
	Description    string
	Recommendation string
}

// DefaultRules is the built-in rule set.
var DefaultRules = []Rule{
	{
		ID: "hardcoded-secret", Severity: core.SeverityHigh, Category: "secrets",
		Pattern:        regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|(?:access[_-]?|auth[_-]?|refresh[_-]?)?token)\b\s*[:=]+\s*["'][^"'\s]{4,}["']`),
		Description:    "hard-coded credential",
		Recommendation: "load secrets from the environment or a secret manager",
	},
	{
		ID: "aws-access-key", Severity: core.SeverityCritical, Category: "secrets",
		Pattern:        regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		Description:    "AWS access key id in source",
		Recommendation: "revoke the key and inject credentials at runtime",
	},
	{
		ID: "private-key", Severity: core.SeverityCritical, Category: "secrets",
		Pattern:        regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
		Description:    "private key material in source",
		Recommendation: "store keys outside the repository",
	},
	{
		ID: "dynamic-eval", Severity: core.SeverityHigh, Category: "code_injection",
		Pattern:        regexp.MustCompile(`(^|[^\w.])(eval|exec)\s*\(`),
		Description:    "dynamic code evaluation",
		Recommendation: "parse input explicitly instead of evaluating it",
	},
	{
		ID: "shell-injection", Severity: core.SeverityHigh, Category: "command_injection",
		Pattern:        regexp.MustCompile(`\bos\.system\s*\(|shell\s*=\s*True|exec\.Command\(\s*"(sh|bash)"\s*,\s*"-c"|child_process\.exec\(`),
		Description:    "command executed through a shell",
		Recommendation: "pass arguments as a list without a shell",
	},
	{
		ID: "sql-string-building", Severity: core.SeverityHigh, Category: "sql_injection",
		Pattern:        regexp.MustCompile(`(?i)(["'](select|insert into|update|delete from)\b[^"']*["']\s*(\+|%)|fmt\.Sprintf\(\s*"(select|insert|update|delete)\b|\bf["'](select|insert|update|delete)\b[^"']*\{)`),
		Description:    "SQL statement built from strings",
		Recommendation: "use parameterised queries",
	},
	{
		ID: "insecure-deserialization", Severity: core.SeverityHigh, Category: "deserialization",
		Pattern:        regexp.MustCompile(`\bpickle\.loads?\(|\byaml\.load\(|\bmarshal\.loads\(`),
		Unless:         regexp.MustCompile(`SafeLoader|safe_load`),
		Description:    "deserialization of untrusted data",
		Recommendation: "use a safe loader or a data-only format",
	},
	{
		ID: "weak-hash", Severity: core.SeverityMedium, Category: "crypto",
		Pattern:        regexp.MustCompile(`(?i)\bhashlib\.(md5|sha1)\(|\b(md5|sha1)\.(New|Sum)\(|createHash\(\s*["'](md5|sha1)["']`),
		Description:    "weak hash algorithm",
		Recommendation: "use SHA-256 or a password hashing function",
	},
	{
		ID: "tls-verification-disabled", Severity: core.SeverityHigh, Category: "transport",
		Pattern:        regexp.MustCompile(`InsecureSkipVerify:\s*true|verify\s*=\s*False|rejectUnauthorized:\s*false`),
		Description:    "TLS certificate verification disabled",
		Recommendation: "keep certificate verification enabled",
	},
}

// Scan applies rules to every file (or to code when files is empty) and
// returns findings sorted by file and line.
func Scan(rules []Rule, files map[string]string, code string) []core.SecurityFinding {
	if len(files) == 0 && code != "" {
		files = map[string]string{"": code}
	}
	var out []core.SecurityFinding
	for path, content := range files {
		for i, line := range strings.Split(content, "\n") {
			for _, r := range rules {
				if !r.Pattern.MatchString(line) {
					continue
				}
				if r.Unless != nil && r.Unless.MatchString(line) {
					continue
				}
				out = append(out, core.SecurityFinding{
					Rule:           r.ID,
					Severity:       r.Severity,
					Category:       r.Category,
					File:           path,
					Line:           i + 1,
					Description:    r.Description,
					Recommendation: r.Recommendation,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// SecurityOptions configures the security gate.
type SecurityOptions struct {
	Options
	Rules []Rule
	// ModelReview additionally asks the generator for findings.
	ModelReview bool
}

// Security is the security quality gate. It passes when no finding of high
// or critical severity was recorded in the current iteration.
type Security struct {
	gen  model.Generator
	opts SecurityOptions
}

// NewSecurity creates the security gate. gen is only used with ModelReview.
func NewSecurity(gen model.Generator, optFns ...func(o *SecurityOptions)) *Security {
	opts := SecurityOptions{Options: newOptions(nil), Rules: DefaultRules}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Security{gen: gen, opts: opts}
}

// Name implements core.Stage.
func (s *Security) Name() string { return NameSecurity }

// Gate implements core.GateStage.
func (s *Security) Gate() core.Gate { return core.GateSecurity }

// Execute implements core.Stage.
func (s *Security) Execute(ctx context.Context, state *core.WorkflowState) (core.StatePatch, error) {
	current := currentFiles(state)
	findings := Scan(s.opts.Rules, current, state.Code)

	if s.opts.ModelReview && s.gen != nil {
		prompt, err := util.Execute(securityPrompt, map[string]any{"Request": state.Request, "Code": state.Code})
		if err != nil {
			return core.StatePatch{}, err
		}
		out, err := s.gen.Generate(ctx, prompt, model.KindSecurity)
		if err != nil {
			return core.StatePatch{}, fmt.Errorf("security review: %w", err)
		}
		findings = mergeFindings(findings, ParseFindings(out))
	}
	for i := range findings {
		findings[i].Iteration = state.Iteration
	}

	blocking := core.BlockingFindings(findings)
	passed := len(blocking) == 0

	patch := core.VerdictPatch(core.GateSecurity, passed)
	patch.Findings = findings
	patch.Outputs = map[string]string{NameSecurity: summarizeFindings(findings, blocking)}

	s.opts.Logger.Debug("Security gate evaluated", "workflow_id", state.WorkflowID, "iteration", state.Iteration, "findings", len(findings), "blocking", len(blocking), "passed", passed)
	return patch, nil
}

// currentFiles returns the files written by the latest implementation.
func currentFiles(state *core.WorkflowState) map[string]string {
	out := map[string]string{}
	for _, a := range state.Artifacts {
		if a.Iteration != state.Iteration {
			continue
		}
		if content, ok := state.Files[a.Path]; ok {
			out[a.Path] = content
		}
	}
	return out
}

func mergeFindings(a, b []core.SecurityFinding) []core.SecurityFinding {
	seen := map[string]bool{}
	key := func(f core.SecurityFinding) string {
		return fmt.Sprintf("%s|%s|%d|%s", f.Category, f.File, f.Line, f.Severity)
	}
	for _, f := range a {
		seen[key(f)] = true
	}
	out := a
	for _, f := range b {
		if !seen[key(f)] {
			seen[key(f)] = true
			out = append(out, f)
		}
	}
	return out
}

func summarizeFindings(all, blocking []core.SecurityFinding) string {
	if len(all) == 0 {
		return "no security findings"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d finding(s), %d blocking\n", len(all), len(blocking))
	for _, f := range all {
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", f.Severity, f.Category, loc, f.Description)
	}
	return b.String()
}
