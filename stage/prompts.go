package stage

import (
	"github.com/hupe1980/agentgraph/internal/util"
)

var (
	implementationPrompt = util.MustParse("implementation", `Task:
{{ .Request }}
{{ if .Constraints }}
Constraints from earlier failed attempts (all must hold):
{{ bullets .Constraints }}
{{ end }}{{ if .Instructions }}
Refinement instructions:
{{ .Instructions }}
{{ end }}{{ if .Feedback }}
Reviewer feedback:
{{ .Feedback }}
{{ end }}{{ if .Previous }}
Previous attempt:
{{ truncate 6000 .Previous }}
{{ end }}{{ if .Retry }}
Your last answer repeated an implementation that already failed. Take a different approach.
{{ end }}
Return every file as a fenced block: three backticks, the language, a space, the relative path.`)

	securityPrompt = util.MustParse("security", `Review the following change for security issues.

Task: {{ .Request }}

{{ truncate 12000 .Code }}`)

	testsPrompt = util.MustParse("tests", `Evaluate whether this change satisfies the task and would pass a reasonable test suite.

Task: {{ .Request }}

{{ truncate 12000 .Code }}`)

	reviewPrompt = util.MustParse("review", `Review this change for correctness, readability and maintainability.

Task: {{ .Request }}
{{ if .Constraints }}
It must respect:
{{ bullets .Constraints }}
{{ end }}
{{ truncate 12000 .Code }}`)

	rootCausePrompt = util.MustParse("root_cause", `The change below failed its quality gates.

Task: {{ .Request }}
Failed gates: {{ join ", " .FailedGates }}
Failure: {{ .LastFailure }}
{{ range $gate, $out := .GateOutputs }}
{{ $gate }} report:
{{ truncate 2000 $out }}
{{ end }}{{ if .Constraints }}
Constraints already in force:
{{ bullets .Constraints }}
{{ end }}{{ if .Repeated }}
This failure has happened before with the same gates and reason.
{{ end }}
Explain the root cause and state new constraints for the next attempt.`)

	refinementPrompt = util.MustParse("refinement", `Task: {{ .Request }}

Root cause (iteration {{ .Iteration }}): {{ .Summary }}

Constraints:
{{ bullets .Constraints }}

Write concrete instructions for the next implementation attempt.`)

	summaryPrompt = util.MustParse("summary", `Summarise the outcome of this task for a reviewer in a few sentences.

Task: {{ .Request }}
Files: {{ join ", " .Files }}
Iterations: {{ .Iterations }}
Open items:
{{ bullets .NextTasks }}`)
)
