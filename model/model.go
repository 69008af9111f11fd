package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentgraph/logging"
)

// Kind tells the generator what sort of text a stage expects back.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindCode      Kind = "code"
	KindSecurity  Kind = "security"
	KindTests     Kind = "tests"
	KindReview    Kind = "review"
	KindRootCause Kind = "root_cause"
	KindRefine    Kind = "refine"
	KindSummary   Kind = "summary"
)

// Generator produces text for a prompt. Failures (timeouts, malformed
// output) are stage-local errors.
type Generator interface {
	Generate(ctx context.Context, prompt string, kind Kind) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, kind Kind) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, kind Kind) (string, error) {
	return f(ctx, prompt, kind)
}

var systemPrompts = map[Kind]string{
	KindPlan:      "You are a senior engineer. Produce a short numbered implementation plan.",
	KindCode:      "You are a senior engineer. Return complete files as fenced code blocks whose info string is the language followed by the relative file path.",
	KindSecurity:  "You are an application security reviewer. Report each issue on its own line as FINDING: <severity> | <category> | <file>:<line> | <description>. Reply NONE if there are no issues.",
	KindTests:     "You are a test engineer. Evaluate whether the code satisfies the request and end with a line VERDICT: PASS or VERDICT: FAIL followed by the failing cases.",
	KindReview:    "You are a code reviewer. End with a line DECISION: APPROVED or DECISION: CHANGES_REQUESTED and list the required changes.",
	KindRootCause: "You analyse why a change failed its quality gates. Start with a one-line summary, then list rules the next attempt must follow as lines beginning with CONSTRAINT:.",
	KindRefine:    "You turn a failure analysis into precise instructions for the next implementation attempt.",
	KindSummary:   "You summarise engineering work for a human reviewer.",
}

// SystemPrompt returns the provider-independent system prompt for kind.
func SystemPrompt(kind Kind) string {
	if p, ok := systemPrompts[kind]; ok {
		return p
	}
	return "You are a helpful senior software engineer."
}

// InstrumentOptions configures Instrument.
type InstrumentOptions struct {
	// Timeout bounds every call. Zero disables the bound.
	Timeout time.Duration
	Logger  logging.Logger
}

type instrumented struct {
	next Generator
	opts InstrumentOptions
}

// Instrument wraps gen with per-call timeout and logging.
func Instrument(gen Generator, optFns ...func(o *InstrumentOptions)) Generator {
	opts := InstrumentOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &instrumented{next: gen, opts: opts}
}

func (i *instrumented) Generate(ctx context.Context, prompt string, kind Kind) (string, error) {
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := i.next.Generate(ctx, prompt, kind)
	dur := time.Since(start)
	if wl, ok := i.opts.Logger.(*logging.WorkflowLogger); ok {
		wl.LogGeneration(string(kind), dur, err)
	} else if err != nil {
		i.opts.Logger.Warn("Generation failed", "kind", kind, "duration", dur, "error", err)
	} else {
		i.opts.Logger.Debug("Generation completed", "kind", kind, "duration", dur)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generate %s: timed out after %s: %w", kind, dur.Round(time.Millisecond), err)
		}
		return "", fmt.Errorf("generate %s: %w", kind, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("generate %s: empty response", kind)
	}
	return out, nil
}

// Call is one recorded MockGenerator invocation.
type Call struct {
	Kind   Kind
	Prompt string
}

// MockGenerator is a scripted in-memory Generator useful for tests & examples.
// Responses registered for a kind are returned in order; the last one repeats.
type MockGenerator struct {
	mu        sync.Mutex
	responses map[Kind][]string
	errs      map[Kind]error
	fallback  func(prompt string, kind Kind) string
	calls     []Call
}

// NewMockGenerator constructs an empty MockGenerator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{responses: map[Kind][]string{}, errs: map[Kind]error{}}
}

// On registers responses for kind.
func (m *MockGenerator) On(kind Kind, responses ...string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[kind] = append(m.responses[kind], responses...)
	return m
}

// Fail makes every call for kind return err.
func (m *MockGenerator) Fail(kind Kind, err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[kind] = err
	return m
}

// Fallback sets the response for kinds without scripted responses.
func (m *MockGenerator) Fallback(fn func(prompt string, kind Kind) string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, prompt string, kind Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Kind: kind, Prompt: prompt})
	if err := m.errs[kind]; err != nil {
		return "", err
	}
	if rs := m.responses[kind]; len(rs) > 0 {
		out := rs[0]
		if len(rs) > 1 {
			m.responses[kind] = rs[1:]
		}
		return out, nil
	}
	if m.fallback != nil {
		return m.fallback(prompt, kind), nil
	}
	return fmt.Sprintf("Mock %s response", kind), nil
}

// Calls returns a copy of all recorded calls.
func (m *MockGenerator) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the prompts sent for kind.
func (m *MockGenerator) CallsFor(kind Kind) []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Kind == kind {
			out = append(out, c.Prompt)
		}
	}
	return out
}
