// Package main provides the agentgraph binary entry point.
// It analyzes free-text requests, prints the workflow graph they map to and
// runs them, answering human checkpoints on the terminal or over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentgraph"
	"github.com/hupe1980/agentgraph/stage"
)

const (
	Version = "0.1.0"
	appName = "agentgraph"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts appOptions

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Adaptive workflow orchestration for code generation",
		Long: `agentgraph classifies a task request, assembles a workflow graph of
generation stages and quality gates, and executes it with self-healing
refinement loops and optional human approval.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "Workspace root (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		analyzeCmd(&opts),
		graphCmd(&opts),
		runCmd(&opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)

	return cmd
}

func analyzeCmd(opts *appOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <request>",
		Short: "Classify a request without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			analysis := a.orch.Analyze(strings.Join(args, " "))
			return encode(cmd.OutOrStdout(), analysis, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

func graphCmd(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <request>",
		Short: "Print the workflow graph of a request as Mermaid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			g, analysis, err := a.orch.Graph("cli", strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%%%% strategy: %s, complexity: %s, gates: %v\n", analysis.Strategy, analysis.Complexity, g.Gates)
			fmt.Fprintln(out, g.Mermaid())
			return nil
		},
	}
}

func runCmd(opts *appOptions) *cobra.Command {
	var (
		sessionID  string
		workflowID string
		decision   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run a request to completion",
		Long: `Run analyzes the request, executes its workflow graph and prints the
final state. When the run stops at a human checkpoint the decision is read
from the terminal, taken from --decision, or awaited over NATS when
approval.nats.url is configured.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			res, err := a.orch.Run(ctx, agentgraph.Request{
				SessionID:  sessionID,
				WorkflowID: workflowID,
				Text:       strings.Join(args, " "),
				Workspace:  a.cfg.Workspace,
			})
			if err != nil {
				return err
			}
			if res.QueuePosition > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "queued at position %d (estimated wait %s)\n", res.QueuePosition, res.EstimatedWait)
			}

			d := &decider{app: a, in: cmd.InOrStdin(), out: cmd.ErrOrStderr(), fixed: decision}
			for res.Suspended() {
				if res, err = d.resolve(ctx, res); err != nil {
					return err
				}
			}

			if err := encode(cmd.OutOrStdout(), summarize(res), asJSON); err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("workflow %s %s: %w", res.WorkflowID, res.Status, res.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (generated when empty)")
	cmd.Flags().StringVar(&workflowID, "id", "", "Workflow id (generated when empty)")
	cmd.Flags().StringVar(&decision, "decision", "", "Answer every checkpoint with this decision (approve, reject, cancel)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Log a span for every executed stage")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

// summary is the printed view of a finished run.
type summary struct {
	WorkflowID  string   `json:"workflow_id" yaml:"workflow_id"`
	Status      string   `json:"status" yaml:"status"`
	Strategy    string   `json:"strategy" yaml:"strategy"`
	Iterations  int      `json:"iterations" yaml:"iterations"`
	Steps       int      `json:"steps" yaml:"steps"`
	Duration    string   `json:"duration" yaml:"duration"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
	LastFailure string   `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
	Summary     string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	NextTasks   []string `json:"next_tasks,omitempty" yaml:"next_tasks,omitempty"`
}

func summarize(res agentgraph.Result) summary {
	s := summary{
		WorkflowID: res.WorkflowID,
		Status:     string(res.Status),
		Strategy:   string(res.Analysis.Strategy),
		Steps:      res.Steps,
		Duration:   res.Duration.Round(time.Millisecond).String(),
	}
	if st := res.State; st != nil {
		s.Iterations = st.Iteration
		s.LastFailure = st.LastFailure
		s.Summary = st.Outputs[stage.NameFinalize]
		s.NextTasks = st.NextTasks
		s.Files = slices.Sorted(maps.Keys(st.Files))
	}
	return s
}

func encode(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
