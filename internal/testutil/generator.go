package testutil

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentgraph/model"
)

// CodeAnswer renders files as the fenced blocks the implementation stage parses.
func CodeAnswer(files ...string) string {
	if len(files)%2 != 0 {
		panic("CodeAnswer expects path/content pairs")
	}
	var b strings.Builder
	for i := 0; i < len(files); i += 2 {
		fmt.Fprintf(&b, "```go %s\n%s\n```\n", files[i], files[i+1])
	}
	return b.String()
}

// HappyGenerator returns a mock whose gates all pass and whose code is a
// single file.
func HappyGenerator() *model.MockGenerator {
	return model.NewMockGenerator().
		On(model.KindCode, CodeAnswer("main.go", "package main\n\nfunc main() {}")).
		On(model.KindTests, "All cases covered.\nVERDICT: PASS").
		On(model.KindReview, "Looks good.\nDECISION: APPROVED").
		On(model.KindSecurity, "NONE").
		On(model.KindRootCause, "Tests failed on edge cases.\nCONSTRAINT: handle empty input").
		On(model.KindRefine, "Handle empty input explicitly.").
		On(model.KindSummary, "Done.")
}
