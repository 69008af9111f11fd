package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/hupe1980/agentgraph"
	"github.com/hupe1980/agentgraph/artifact"
	"github.com/hupe1980/agentgraph/config"
	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/hitl"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/memory"
	"github.com/hupe1980/agentgraph/model"
	"github.com/hupe1980/agentgraph/model/anthropic"
	"github.com/hupe1980/agentgraph/model/openai"
)

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg       *config.Config
	logger    *logging.WorkflowLogger
	orch      *agentgraph.Orchestrator
	approvals *hitl.Manager
	results   chan agentgraph.Result

	conn     *nats.Conn
	notifier *hitl.NATSNotifier
	tracer   *sdktrace.TracerProvider
	metrics  *http.Server
}

type appOptions struct {
	configPath  string
	workspace   string
	logLevel    string
	trace       bool
	metricsAddr string
}

func newApp(opts appOptions) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg, err := config.Load(opts.configPath, cwd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.workspace != "" {
		cfg.Workspace = opts.workspace
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if cfg.Workspace, err = filepath.Abs(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		Component: "agentgraph",
	})

	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, results: make(chan agentgraph.Result, 1)}

	var notifier hitl.Notifier = hitl.NewLogNotifier(logger)
	if url := cfg.Approval.NATS.URL; url != "" {
		conn, err := nats.Connect(url, nats.Name("agentgraph"), nats.Timeout(5*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
		}
		a.conn = conn
		a.notifier = hitl.NewNATSNotifier(conn, func(o *hitl.NATSOptions) {
			o.SubjectPrefix = cfg.Approval.NATS.SubjectPrefix
			o.Logger = logger
		})
		notifier = hitl.MultiNotifier{notifier, a.notifier}
		logger.Info("Checkpoints published over NATS", "url", url, "responses", a.notifier.ResponseSubject())
	}

	a.approvals = hitl.NewManager(func(o *hitl.Options) {
		o.Timeout = cfg.Approval.Timeout
		o.Notifier = notifier
		o.Logger = logger
	})
	if a.notifier != nil {
		if err := a.notifier.Listen(a.approvals); err != nil {
			a.Close()
			return nil, err
		}
	}

	var registerer prometheus.Registerer
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerer = reg
		a.serveMetrics(opts.metricsAddr, reg)
	}

	if opts.trace {
		a.tracer = sdktrace.NewTracerProvider(sdktrace.WithSyncer(&spanLogger{logger: logger}))
	}

	a.orch = agentgraph.New(gen, func(o *agentgraph.Options) {
		o.EngineConfig = engine.Config{
			EventBufferSize: cfg.Engine.EventBufferSize,
			MaxSteps:        cfg.Engine.MaxSteps,
			RunTimeout:      cfg.Engine.RunTimeout,
		}
		o.MaxConcurrent = cfg.Controller.MaxConcurrent
		o.CacheSize = cfg.Controller.CacheSize
		o.CacheTTL = cfg.Controller.CacheTTL
		o.SnapshotStore = snapshotStore(cfg)
		o.ArtifactStore = artifactStore(cfg)
		o.Approvals = a.approvals
		o.ModelSecurityReview = cfg.Security.ModelReview
		o.Registerer = registerer
		if a.tracer != nil {
			o.TracerProvider = a.tracer
		}
		o.OnResult = func(r agentgraph.Result) {
			select {
			case a.results <- r:
			default:
			}
		}
		o.Logger = logger
	})

	return a, nil
}

// Close releases connections and flushes spans.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	} else if a.approvals != nil {
		a.approvals.Close()
	}
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", addr)
}

func newGenerator(cfg *config.Config, logger logging.Logger) (model.Generator, error) {
	var gen model.Generator
	switch cfg.Model.Provider {
	case "mock":
		gen = demoGenerator()
	case "anthropic":
		gen = anthropic.NewGenerator(func(o *anthropic.Options) {
			if cfg.Model.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Model.Name)
			}
			o.Temperature = cfg.Model.Temperature
			o.MaxTokens = cfg.Model.MaxTokens
			o.APIKey = cfg.APIKey()
		})
	case "openai":
		gen = openai.NewGenerator(func(o *openai.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
			o.Temperature = cfg.Model.Temperature
			o.MaxCompletionTokens = cfg.Model.MaxTokens
			o.APIKey = cfg.APIKey()
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
	return model.Instrument(gen, func(o *model.InstrumentOptions) {
		o.Timeout = cfg.Model.Timeout
		o.Logger = logger
	}), nil
}

// demoGenerator answers every prompt with a small passing program so the
// whole pipeline can be exercised offline.
func demoGenerator() *model.MockGenerator {
	return model.NewMockGenerator().
		On(model.KindCode, "```go main.go\npackage main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hello\")\n}\n```\n").
		On(model.KindTests, "Output verified.\nVERDICT: PASS").
		On(model.KindReview, "Small and readable.\nDECISION: APPROVED").
		On(model.KindSecurity, "NONE").
		On(model.KindRootCause, "Gate failure not reproducible offline.\nCONSTRAINT: keep the change minimal").
		On(model.KindRefine, "Keep the change minimal.").
		On(model.KindSummary, "Generated a hello world program.")
}

func snapshotStore(cfg *config.Config) core.SnapshotStore {
	if cfg.Storage.Snapshots == "memory" {
		return memory.NewInMemoryStore()
	}
	return memory.NewFileStore(func(o *memory.FileOptions) {
		o.ListCap = cfg.Storage.ListCap
	})
}

func artifactStore(cfg *config.Config) core.ArtifactStore {
	if cfg.Storage.Artifacts == "memory" {
		return artifact.NewInMemoryStore()
	}
	return artifact.NewWorkspaceStore()
}

// spanLogger exports finished stage spans to the logger.
type spanLogger struct {
	logger logging.Logger
}

func (s *spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		args := []any{"span", span.Name(), "duration", span.EndTime().Sub(span.StartTime()), "status", span.Status().Code.String()}
		for _, attr := range span.Attributes() {
			args = append(args, string(attr.Key), attr.Value.Emit())
		}
		s.logger.Info("Span finished", args...)
	}
	return nil
}

func (s *spanLogger) Shutdown(context.Context) error { return nil }
