package stage

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/agentgraph/core"
)

// CodeBlock is one fenced block of generated code.
type CodeBlock struct {
	Language string
	Path     string
	Content  string
}

var fenceRe = regexp.MustCompile("(?s)```([^\n`]*)\n(.*?)```")

// ParseCodeBlocks extracts fenced blocks. The info string is "<lang> <path>";
// a single token that looks like a path (contains '/' or '.') is taken as the
// path.
func ParseCodeBlocks(text string) []CodeBlock {
	var out []CodeBlock
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		b := CodeBlock{Content: strings.TrimRight(m[2], "\n") + "\n"}
		fields := strings.Fields(m[1])
		switch {
		case len(fields) >= 2:
			b.Language, b.Path = fields[0], fields[len(fields)-1]
		case len(fields) == 1 && strings.ContainsAny(fields[0], "./"):
			b.Path = fields[0]
		case len(fields) == 1:
			b.Language = fields[0]
		}
		out = append(out, b)
	}
	return out
}

// JoinBlocks renders files back into a single code listing ordered by path.
func JoinBlocks(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "// file: %s\n%s", p, files[p])
		if !strings.HasSuffix(files[p], "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

var (
	verdictRe   = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(PASS|FAIL)\b`)
	decisionRe  = regexp.MustCompile(`(?im)^\s*DECISION:\s*(APPROVED|CHANGES_REQUESTED)\b`)
	constraintR = regexp.MustCompile(`(?im)^\s*CONSTRAINT:\s*(.+?)\s*$`)
	findingRe   = regexp.MustCompile(`(?im)^\s*FINDING:\s*(.+)$`)
)

// ParseVerdict reads the tests gate verdict. Output without a verdict line
// is malformed.
func ParseVerdict(text string) (bool, error) {
	m := verdictRe.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return false, fmt.Errorf("malformed test report: no VERDICT line")
	}
	return strings.EqualFold(m[len(m)-1][1], "PASS"), nil
}

// ParseDecision reads the review gate decision.
func ParseDecision(text string) (bool, error) {
	m := decisionRe.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return false, fmt.Errorf("malformed review: no DECISION line")
	}
	return strings.EqualFold(m[len(m)-1][1], "APPROVED"), nil
}

// ParseRootCause splits an analysis into its summary (the first line that is
// not a constraint) and its constraints.
func ParseRootCause(text string) (string, []string) {
	var (
		summary     string
		constraints []string
	)
	for _, m := range constraintR.FindAllStringSubmatch(text, -1) {
		constraints = append(constraints, m[1])
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "CONSTRAINT:") {
			continue
		}
		summary = strings.TrimLeft(line, "#*- ")
		break
	}
	return summary, constraints
}

// ParseFindings reads "FINDING: severity | category | file:line | description"
// lines. Lines that do not fit the format are ignored.
func ParseFindings(text string) []core.SecurityFinding {
	var out []core.SecurityFinding
	for _, m := range findingRe.FindAllStringSubmatch(text, -1) {
		parts := strings.Split(m[1], "|")
		if len(parts) < 4 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		sev := core.Severity(strings.ToLower(parts[0]))
		if sev.Rank() == 0 {
			continue
		}
		f := core.SecurityFinding{
			Rule:        "model-review",
			Severity:    sev,
			Category:    parts[1],
			Description: strings.Join(parts[3:], " | "),
		}
		f.File, f.Line = splitLocation(parts[2])
		out = append(out, f)
	}
	return out
}

func splitLocation(loc string) (string, int) {
	i := strings.LastIndex(loc, ":")
	if i < 0 {
		return loc, 0
	}
	n, err := strconv.Atoi(loc[i+1:])
	if err != nil {
		return loc, 0
	}
	return loc[:i], n
}
