package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/memory"
	"github.com/hupe1980/agentgraph/session"
)

var (
	// ErrWorkflowActive is returned when a workflow id is already executing.
	ErrWorkflowActive = errors.New("workflow is already running")
	// ErrWorkflowNotActive is returned by Stop for unknown workflow ids.
	ErrWorkflowNotActive = errors.New("workflow is not running")
	// ErrNotSuspended is returned by Resume when the checkpoint is not
	// waiting for a human decision.
	ErrNotSuspended = errors.New("workflow is not awaiting approval")
	// ErrStopped is the cancellation cause recorded when Stop is called.
	ErrStopped = errors.New("workflow stopped")
)

// Config defines tuning parameters for the Engine.
//
// Additional concerns such as stores, tracing and logging are configured via
// Options rather than expanding this struct.
type Config struct {
	// EventBufferSize sets the buffer of the event channel returned by Invoke
	// and Resume. Events are sent blocking, so callers must drain the channel.
	EventBufferSize int

	// MaxSteps bounds the number of execution steps of a single run. A run
	// exceeding it fails with a ValidationError. It guards against graphs
	// whose routers never reach END.
	MaxSteps int

	// RunTimeout is the wall-clock budget of one Invoke or Resume call.
	// Zero disables the deadline.
	RunTimeout time.Duration
}

// DefaultConfig provides the default engine configuration:
//   - EventBufferSize: 100
//   - MaxSteps: 256
//   - RunTimeout: 0 (disabled)
var DefaultConfig = Config{
	EventBufferSize: 100,
	MaxSteps:        256,
}

// Options configures an Engine instance using the functional options pattern.
// Every store has an in-memory default so an Engine works out of the box.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// CheckpointStore receives a checkpoint after every step.
	CheckpointStore core.CheckpointStore

	// SnapshotStore receives the terminal summary of every run, keyed by
	// the workspace root.
	SnapshotStore core.SnapshotStore

	// Callbacks are invoked around stage execution and before commits.
	Callbacks *CallbackManager

	// TracerProvider creates the tracer wrapping every stage in a span.
	// Defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Logger defaults to a NoOp logger.
	Logger logging.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Result is the outcome of one Invoke or Resume call.
type Result struct {
	WorkflowID string
	// State is the final state of the call. It is owned by the caller.
	State  *core.WorkflowState
	Status core.Status
	// PendingRequestID names the checkpoint request a suspended run waits on.
	PendingRequestID string
	// Steps counts the execution steps since the run was created.
	Steps    int
	Duration time.Duration
	// Err is the error that failed the run. It is nil for completed,
	// blocked and suspended runs.
	Err error
}

// Suspended reports whether the run is paused at a human checkpoint.
func (r Result) Suspended() bool { return r.Status == core.StatusAwaitingApproval }

// Engine drives compiled workflow graphs.
//
// A run proceeds in steps. Every stage of the current frontier executes
// concurrently on its own clone of the state; the returned patches are merged
// in frontier order and committed only after every stage of the step
// returned. The next frontier is the union of the successors chosen by the
// graph's edges and routers. A checkpoint is saved after each step, which is
// what makes suspended runs resumable.
//
// The Engine is safe for concurrent use. Different workflows never share
// state; a workflow id can only execute once at a time.
type Engine struct {
	checkpoints core.CheckpointStore
	snapshots   core.SnapshotStore
	callbacks   *CallbackManager
	tracer      trace.Tracer
	logger      logging.Logger
	clock       func() time.Time

	config Config

	active   map[string]context.CancelCauseFunc
	activeMu sync.RWMutex
}

// New creates an Engine with in-memory stores unless overridden.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Config.RunTimeout = 10 * time.Minute
//	    o.Logger = logger
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CheckpointStore == nil {
		opts.CheckpointStore = session.NewInMemoryStore()
	}
	if opts.SnapshotStore == nil {
		opts.SnapshotStore = memory.NewInMemoryStore()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Config.EventBufferSize < 0 {
		opts.Config.EventBufferSize = 0
	}
	if opts.Config.MaxSteps <= 0 {
		opts.Config.MaxSteps = DefaultConfig.MaxSteps
	}

	return &Engine{
		checkpoints: opts.CheckpointStore,
		snapshots:   opts.SnapshotStore,
		callbacks:   opts.Callbacks,
		tracer:      opts.TracerProvider.Tracer("github.com/hupe1980/agentgraph/engine"),
		logger:      opts.Logger,
		clock:       opts.Clock,
		config:      opts.Config,
		active:      make(map[string]context.CancelCauseFunc),
	}
}

// Invoke starts a run of g on a copy of state and returns immediately.
//
// Events are delivered on the first channel in the order they happen; it is
// closed before the single Result is sent on the second channel. Startup
// errors (invalid state, workflow already running) are returned directly.
func (e *Engine) Invoke(ctx context.Context, g *graph.Compiled, state *core.WorkflowState) (<-chan core.Event, <-chan Result, error) {
	if g == nil {
		return nil, nil, core.NewValidationError("graph", "graph is nil")
	}
	if state == nil || state.WorkflowID == "" {
		return nil, nil, core.NewValidationError("workflow_id", "state must carry a workflow id")
	}

	st := state.Clone()
	if st.Status == "" || st.Status.Terminal() || st.Status == core.StatusAwaitingApproval {
		st.Status = core.StatusRunning
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = e.clock()
	}
	return e.start(ctx, g, st, g.Entry(), 0, false)
}

// InvokeSync runs g to completion or suspension and returns the result with
// every event emitted along the way.
func (e *Engine) InvokeSync(ctx context.Context, g *graph.Compiled, state *core.WorkflowState) (Result, []core.Event, error) {
	events, results, err := e.Invoke(ctx, g, state)
	if err != nil {
		return Result{}, nil, err
	}
	return drain(events, results)
}

// Resume continues a suspended workflow from its last checkpoint. The
// suspended stage is executed again; it is expected to pick up the human
// decision recorded since the suspension.
func (e *Engine) Resume(ctx context.Context, g *graph.Compiled, workflowID string) (<-chan core.Event, <-chan Result, error) {
	if g == nil {
		return nil, nil, core.NewValidationError("graph", "graph is nil")
	}
	cp, err := e.checkpoints.Load(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("resume %s: %w", workflowID, err)
	}
	if cp.State == nil || cp.State.Status != core.StatusAwaitingApproval {
		return nil, nil, fmt.Errorf("resume %s: %w", workflowID, ErrNotSuspended)
	}
	for _, n := range cp.Frontier {
		if _, ok := g.Node(n); !ok {
			return nil, nil, core.NewValidationError("frontier", "checkpoint node %q is not part of the graph", n)
		}
	}

	st := cp.State.Clone()
	st.Status = core.StatusRunning
	return e.start(ctx, g, st, cp.Frontier, cp.Step, true)
}

// ResumeSync is the blocking form of Resume.
func (e *Engine) ResumeSync(ctx context.Context, g *graph.Compiled, workflowID string) (Result, []core.Event, error) {
	events, results, err := e.Resume(ctx, g, workflowID)
	if err != nil {
		return Result{}, nil, err
	}
	return drain(events, results)
}

// Checkpoint returns the latest checkpoint of workflowID.
func (e *Engine) Checkpoint(ctx context.Context, workflowID string) (core.Checkpoint, error) {
	return e.checkpoints.Load(ctx, workflowID)
}

// Stop cancels a running workflow. The run finishes as failed with
// ErrStopped recorded.
func (e *Engine) Stop(workflowID string) error {
	e.activeMu.RLock()
	cancel, ok := e.active[workflowID]
	e.activeMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotActive, workflowID)
	}
	cancel(ErrStopped)
	return nil
}

// Active returns the ids of the workflows currently executing.
func (e *Engine) Active() []string {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) start(ctx context.Context, g *graph.Compiled, st *core.WorkflowState, frontier []string, step int, resumed bool) (<-chan core.Event, <-chan Result, error) {
	runCtx, cancel := context.WithCancelCause(ctx)

	e.activeMu.Lock()
	if _, ok := e.active[st.WorkflowID]; ok {
		e.activeMu.Unlock()
		cancel(nil)
		return nil, nil, fmt.Errorf("%w: %s", ErrWorkflowActive, st.WorkflowID)
	}
	e.active[st.WorkflowID] = cancel
	e.activeMu.Unlock()

	events := make(chan core.Event, e.config.EventBufferSize)
	results := make(chan Result, 1)

	r := &run{
		engine:   e,
		graph:    g,
		state:    st,
		frontier: frontier,
		step:     step,
		events:   events,
		logger:   logging.ForWorkflow(e.logger, st.WorkflowID, st.SessionID),
	}

	go func() {
		defer func() {
			e.activeMu.Lock()
			delete(e.active, st.WorkflowID)
			e.activeMu.Unlock()
			cancel(nil)
		}()

		execCtx := runCtx
		if e.config.RunTimeout > 0 {
			var stop context.CancelFunc
			execCtx, stop = context.WithTimeoutCause(runCtx, e.config.RunTimeout, core.ErrRunTimeout)
			defer stop()
		}

		if resumed {
			ev := r.event(core.EventResumed)
			ev.Status = st.Status
			r.emit(ev)
		}
		res := r.execute(execCtx)
		close(events)
		results <- res
		close(results)
	}()

	return events, results, nil
}

func drain(events <-chan core.Event, results <-chan Result) (Result, []core.Event, error) {
	var collected []core.Event
	for ev := range events {
		collected = append(collected, ev)
	}
	res, ok := <-results
	if !ok {
		return Result{}, collected, errors.New("engine closed without result")
	}
	return res, collected, nil
}
