// Package agentgraph provides a high-level façade over the analyzer, graph
// builder, execution engine and admission controller. Most applications
// interact with this package by:
//  1. Creating an Orchestrator via New() with a model.Generator (optionally
//     overriding the default in-memory stores)
//  2. Running requests synchronously with Run
//  3. Answering human checkpoints with Respond, which resumes the run
//
// The façade delegates execution to engine.Engine and admission to
// controller.Controller while keeping setup concise. All defaults are safe
// for local development and testing; production deployments typically supply
// durable stores, a NATS notifier and a structured logger.
package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentgraph/analyzer"
	"github.com/hupe1980/agentgraph/artifact"
	"github.com/hupe1980/agentgraph/controller"
	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/hitl"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/memory"
	"github.com/hupe1980/agentgraph/model"
	"github.com/hupe1980/agentgraph/registry"
	"github.com/hupe1980/agentgraph/session"
	"github.com/hupe1980/agentgraph/stage"
)

// ErrNothingToCancel is returned by Cancel when the workflow neither runs nor
// waits on a checkpoint.
var ErrNothingToCancel = errors.New("workflow has nothing to cancel")

// Options configures the Orchestrator.
type Options struct {
	// Engine configuration (buffers, step bound, run timeout)
	EngineConfig engine.Config

	// MaxConcurrent bounds simultaneously executing runs. Requests beyond
	// it wait in FIFO order.
	MaxConcurrent int

	// CacheSize and CacheTTL configure the per-session graph cache.
	CacheSize int
	CacheTTL  time.Duration

	// Stores (defaults to in-memory implementations if not provided)
	CheckpointStore core.CheckpointStore
	SnapshotStore   core.SnapshotStore
	ArtifactStore   core.ArtifactStore

	// Approvals manages human checkpoints. A manager using ApprovalTimeout
	// and Notifier is created when nil.
	Approvals       *hitl.Manager
	ApprovalTimeout time.Duration
	Notifier        hitl.Notifier

	// ModelSecurityReview lets the security gate ask the generator for
	// findings on top of the static scan.
	ModelSecurityReview bool

	// Registry overrides the built-in stage catalog.
	Registry *registry.Registry

	Callbacks      *engine.CallbackManager
	TracerProvider trace.TracerProvider
	Registerer     prometheus.Registerer

	// OnResult receives the outcome of runs resumed in the background, which
	// happens when a checkpoint request expires.
	OnResult func(Result)

	// ResumeRetryInterval is how often a resume retries admission while
	// another run of the same session is in flight (default 100ms).
	ResumeRetryInterval time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	Clock  func() time.Time
}

// Request is one unit of work submitted to Run.
type Request struct {
	// SessionID groups runs that share a cached graph. Generated when empty.
	SessionID string
	// WorkflowID identifies the run. Generated when empty.
	WorkflowID string
	// Text is the free-form task description.
	Text string
	// Workspace is the root every generated file must stay inside.
	Workspace string
}

// Result is the outcome of a Run, Respond or background resume.
type Result struct {
	engine.Result

	Analysis analyzer.Analysis
	Events   []core.Event

	// QueuePosition and EstimatedWait are the admission figures reported when
	// the call was enqueued. Position 0 means it ran immediately.
	QueuePosition int
	EstimatedWait time.Duration
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	Admission controller.Stats
	Cache     controller.CacheStats
	Active    []string
	Pending   int
}

// Orchestrator turns free-text requests into executed workflow graphs.
type Orchestrator struct {
	opts       Options
	analyzer   *analyzer.Analyzer
	registry   *registry.Registry
	builder    *graph.Builder
	engine     *engine.Engine
	controller *controller.Controller
	approvals  *hitl.Manager

	// background bounds resumes started by checkpoint expiry; Close cancels it.
	background context.Context
	stop       context.CancelFunc
}

// New creates an Orchestrator whose stages generate with gen. Any unset
// service is initialized with an in-memory implementation.
func New(gen model.Generator, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		EngineConfig:    engine.DefaultConfig,
		MaxConcurrent:   4,
		CacheSize:       128,
		CacheTTL:        30 * time.Minute,
		CheckpointStore: session.NewInMemoryStore(),
		SnapshotStore:   memory.NewInMemoryStore(),
		ArtifactStore:   artifact.NewInMemoryStore(),
		ApprovalTimeout: 24 * time.Hour,
		Logger:          logging.NoOpLogger{},
		Clock:           time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.ResumeRetryInterval <= 0 {
		opts.ResumeRetryInterval = 100 * time.Millisecond
	}

	if opts.Approvals == nil {
		opts.Approvals = hitl.NewManager(func(o *hitl.Options) {
			o.Timeout = opts.ApprovalTimeout
			o.Notifier = opts.Notifier
			o.Logger = opts.Logger
			o.Clock = opts.Clock
		})
	}

	if opts.Registry == nil {
		opts.Registry = stage.NewRegistry(gen, func(o *stage.CatalogOptions) {
			o.Logger = opts.Logger
			o.Clock = opts.Clock
			o.Artifacts = opts.ArtifactStore
			o.Approvals = opts.Approvals
			o.ModelSecurityReview = opts.ModelSecurityReview
		})
	}

	m := &Orchestrator{
		opts:      opts,
		registry:  opts.Registry,
		approvals: opts.Approvals,
		analyzer: analyzer.New(func(o *analyzer.Options) {
			o.Registry = opts.Registry
		}),
		builder: graph.NewBuilder(opts.Registry, func(o *graph.BuilderOptions) {
			o.Logger = opts.Logger
		}),
		engine: engine.New(func(o *engine.Options) {
			o.Config = opts.EngineConfig
			o.CheckpointStore = opts.CheckpointStore
			o.SnapshotStore = opts.SnapshotStore
			o.Callbacks = opts.Callbacks
			o.TracerProvider = opts.TracerProvider
			o.Logger = opts.Logger
			o.Clock = opts.Clock
		}),
		controller: controller.New(func(o *controller.Options) {
			o.MaxConcurrent = opts.MaxConcurrent
			o.CacheSize = opts.CacheSize
			o.CacheTTL = opts.CacheTTL
			o.Registerer = opts.Registerer
			o.Logger = opts.Logger
			o.Clock = opts.Clock
		}),
	}

	m.background, m.stop = context.WithCancel(context.Background())
	m.approvals.OnResolve(m.onResolve)

	return m
}

// Analyze classifies text without running anything.
func (m *Orchestrator) Analyze(text string) analyzer.Analysis {
	return m.analyzer.Analyze(text)
}

// Graph analyzes text and returns the graph a run of it in sessionID would
// execute. The graph is served from and stored in the session cache.
func (m *Orchestrator) Graph(sessionID, text string) (*graph.Compiled, analyzer.Analysis, error) {
	a := m.analyzer.Analyze(text)
	g, err := m.graph(sessionID, a.Strategy, a.Capabilities, a.RequiresApproval)
	return g, a, err
}

// Run analyzes the request, waits for admission, builds (or reuses) the
// session graph and executes it to completion or suspension.
func (m *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, core.NewValidationError("request", "request text is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	if req.Workspace == "" {
		req.Workspace = "."
	}

	res := Result{Analysis: m.analyzer.Analyze(req.Text)}

	ticket, err := m.admit(ctx, req.SessionID, &res)
	if err != nil {
		return res, err
	}
	defer ticket.Release()

	a := res.Analysis
	g, err := m.graph(req.SessionID, a.Strategy, a.Capabilities, a.RequiresApproval)
	if err != nil {
		return res, err
	}

	st := core.NewWorkflowState(req.WorkflowID, req.SessionID, req.Text, req.Workspace, m.opts.Clock())
	st.TaskType = a.TaskType
	st.Complexity = a.Complexity
	st.Strategy = a.Strategy
	st.Capabilities = slices.Clone(a.Capabilities)
	st.Gates = slices.Clone(g.Gates)
	st.MaxIterations = a.MaxIterations
	st.RequiresApproval = g.RequiresApproval

	logger := logging.ForWorkflow(m.opts.Logger, req.WorkflowID, req.SessionID)
	logger.Info("Running workflow",
		"strategy", a.Strategy,
		"complexity", a.Complexity,
		"task_type", a.TaskType,
		"capabilities", a.Capabilities,
	)

	res.Result, res.Events, err = m.engine.InvokeSync(ctx, g, st)
	return res, err
}

// Respond answers the checkpoint request requestID and resumes the workflow
// waiting on it. When another run of the same session is in flight the
// resume waits for it to return.
func (m *Orchestrator) Respond(ctx context.Context, requestID string, resp hitl.Response) (Result, error) {
	rec, err := m.approvals.Respond(requestID, resp)
	if err != nil {
		return Result{}, err
	}
	return m.resume(ctx, rec.Request.WorkflowID)
}

// Resume continues a suspended workflow. It is only needed when a decision
// was recorded directly on the approval manager.
func (m *Orchestrator) Resume(ctx context.Context, workflowID string) (Result, error) {
	return m.resume(ctx, workflowID)
}

// Cancel stops a running workflow, or cancels the checkpoint requests of a
// suspended one and resumes it so the run records the cancellation.
func (m *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) error {
	if slices.Contains(m.engine.Active(), workflowID) {
		return m.engine.Stop(workflowID)
	}

	pending := m.approvals.Pending(workflowID)
	if len(pending) == 0 {
		// the request may have expired without the run being resumed yet
		if err := m.checkCancellable(ctx, workflowID); err != nil {
			return err
		}
	}
	for _, req := range pending {
		if err := m.approvals.Cancel(req.ID, reason); err != nil && !errors.Is(err, hitl.ErrAlreadyResolved) {
			return err
		}
	}

	res, err := m.resume(ctx, workflowID)
	if err != nil {
		return err
	}
	m.deliver(res)
	return nil
}

// checkCancellable accepts a suspended workflow whose checkpoint request was
// resolved without a decision, which resuming turns into a failed run.
func (m *Orchestrator) checkCancellable(ctx context.Context, workflowID string) error {
	cp, err := m.engine.Checkpoint(ctx, workflowID)
	if err != nil || cp.State == nil || cp.State.Status != core.StatusAwaitingApproval || cp.PendingRequestID == "" {
		return fmt.Errorf("%w: %s", ErrNothingToCancel, workflowID)
	}
	rec, err := m.approvals.Get(cp.PendingRequestID)
	if err != nil {
		return err
	}
	if rec.State == hitl.StateResponded {
		return fmt.Errorf("%w: %s was answered, resume it instead", hitl.ErrAlreadyResolved, rec.Request.ID)
	}
	return nil
}

// Status returns the latest checkpoint of workflowID.
func (m *Orchestrator) Status(ctx context.Context, workflowID string) (core.Checkpoint, error) {
	return m.engine.Checkpoint(ctx, workflowID)
}

// Pending lists open checkpoint requests, optionally for one workflow.
func (m *Orchestrator) Pending(workflowID string) []hitl.Request {
	return m.approvals.Pending(workflowID)
}

// Memory returns the persisted snapshot document of workspace.
func (m *Orchestrator) Memory(ctx context.Context, workspace string) (map[string]any, error) {
	return m.opts.SnapshotStore.Load(ctx, workspace)
}

// Stats reports admission, cache and checkpoint figures.
func (m *Orchestrator) Stats() Stats {
	return Stats{
		Admission: m.controller.Stats(),
		Cache:     m.controller.Cache().Stats(),
		Active:    m.engine.Active(),
		Pending:   len(m.approvals.Pending("")),
	}
}

// Close stops checkpoint expiry timers and abandons background resumes
// still waiting for admission.
func (m *Orchestrator) Close() {
	m.stop()
	m.approvals.Close()
}

func (m *Orchestrator) admit(ctx context.Context, sessionID string, res *Result) (*controller.Ticket, error) {
	ticket, err := m.controller.Enqueue(sessionID)
	if err != nil {
		return nil, err
	}
	res.QueuePosition = ticket.Position
	res.EstimatedWait = ticket.EstimatedWait
	if ticket.Position > 0 {
		m.opts.Logger.Info("Run queued", "session_id", sessionID, "position", ticket.Position, "estimated_wait", ticket.EstimatedWait)
	}
	if err := ticket.Wait(ctx); err != nil {
		return nil, err
	}
	return ticket, nil
}

// admitSuspended admits a resume. A resume is never rejected because its
// session is busy; it retries until the session's run returns or ctx ends.
func (m *Orchestrator) admitSuspended(ctx context.Context, sessionID string, res *Result) (*controller.Ticket, error) {
	for {
		ticket, err := m.admit(ctx, sessionID, res)
		if !errors.Is(err, controller.ErrSessionInFlight) {
			return ticket, err
		}
		m.opts.Logger.Debug("Resume waits for session", "session_id", sessionID)
		select {
		case <-time.After(m.opts.ResumeRetryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("resume in session %s: %w", sessionID, context.Cause(ctx))
		}
	}
}

// graph returns the cached session graph when it matches the requested
// shape and builds a fresh one otherwise.
func (m *Orchestrator) graph(sessionID string, strategy core.Strategy, capabilities []string, requiresApproval bool) (*graph.Compiled, error) {
	cache := m.controller.Cache()
	if g, ok := cache.Get(sessionID); ok && matches(g, strategy, capabilities, requiresApproval) {
		return g, nil
	}

	g, err := m.builder.Build(strategy, capabilities, requiresApproval)
	if err != nil {
		return nil, err
	}
	cache.Put(sessionID, g)
	return g, nil
}

func matches(g *graph.Compiled, strategy core.Strategy, capabilities []string, requiresApproval bool) bool {
	if g.Strategy != strategy || g.RequiresApproval != requiresApproval {
		return false
	}
	for _, c := range capabilities {
		if !slices.Contains(g.Capabilities, c) {
			return false
		}
	}
	return true
}

func (m *Orchestrator) resume(ctx context.Context, workflowID string) (Result, error) {
	cp, err := m.engine.Checkpoint(ctx, workflowID)
	if err != nil {
		return Result{}, err
	}
	if cp.State.Status != core.StatusAwaitingApproval {
		return Result{}, fmt.Errorf("%w: %s is %s", engine.ErrNotSuspended, workflowID, cp.State.Status)
	}

	st := cp.State
	res := Result{Analysis: analyzer.Analysis{
		Complexity:       st.Complexity,
		TaskType:         st.TaskType,
		Capabilities:     slices.Clone(st.Capabilities),
		Strategy:         st.Strategy,
		MaxIterations:    st.MaxIterations,
		RequiresApproval: st.RequiresApproval,
	}}

	ticket, err := m.admitSuspended(ctx, st.SessionID, &res)
	if err != nil {
		return res, err
	}
	defer ticket.Release()

	g, err := m.graph(st.SessionID, st.Strategy, st.Capabilities, st.RequiresApproval)
	if err != nil {
		return res, err
	}

	res.Result, res.Events, err = m.engine.ResumeSync(ctx, g, workflowID)
	return res, err
}

// onResolve resumes runs whose checkpoint expired. Responses and
// cancellations resume synchronously through Respond and Cancel.
func (m *Orchestrator) onResolve(rec hitl.Record) {
	if rec.State != hitl.StateExpired {
		return
	}
	go func() {
		res, err := m.resume(m.background, rec.Request.WorkflowID)
		if err != nil {
			m.opts.Logger.Error("Resume after expiry failed", "workflow_id", rec.Request.WorkflowID, "request_id", rec.Request.ID, "error", err)
			return
		}
		m.deliver(res)
	}()
}

func (m *Orchestrator) deliver(res Result) {
	if m.opts.OnResult != nil {
		m.opts.OnResult(res)
	}
}
