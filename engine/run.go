package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
)

const engineStage = "engine"

// run is the mutable bookkeeping of one Invoke or Resume call.
type run struct {
	engine   *Engine
	graph    *graph.Compiled
	state    *core.WorkflowState
	frontier []string
	step     int
	events   chan<- core.Event
	logger   logging.Logger
}

// outcome is what one stage of a step produced.
type outcome struct {
	stage string
	patch core.StatePatch
	err   error
	ran   bool
}

func (r *run) execute(ctx context.Context) Result {
	for len(r.frontier) > 0 {
		if ctx.Err() != nil {
			return r.fail(engineStage, context.Cause(ctx))
		}
		if r.step >= r.engine.config.MaxSteps {
			return r.fail(engineStage, core.NewValidationError("max_steps", "run exceeded %d steps", r.engine.config.MaxSteps))
		}
		r.step++

		ev := r.event(core.EventStepStarted)
		ev.Target = strings.Join(r.frontier, ",")
		r.emit(ev)

		outcomes, stepErr := r.runStep(ctx)

		patches := make([]core.StagePatch, 0, len(outcomes))
		for _, o := range outcomes {
			if o.ran && o.err == nil {
				patches = append(patches, core.StagePatch{Stage: o.stage, Patch: o.patch})
			}
		}
		merged, err := core.MergePatches(patches)
		if err != nil {
			return r.fail(engineStage, err)
		}
		if err := r.engine.callbacks.ExecuteCallbacks(ctx, CallbackOnStateChange, &CallbackContext{
			WorkflowID: r.state.WorkflowID,
			Step:       r.step,
			State:      r.state.Clone(),
			Patch:      &merged,
		}); err != nil {
			return r.fail(engineStage, &core.ValidationError{Field: "patch", Reason: err.Error()})
		}
		r.state.Apply(merged, r.engine.clock())

		if stepErr != nil {
			if ctx.Err() != nil {
				stepErr = context.Cause(ctx)
			}
			stage := engineStage
			var se *core.StageError
			if errors.As(stepErr, &se) {
				stage = se.Stage
			}
			return r.fail(stage, stepErr)
		}

		var suspended []string
		var requestID string
		for _, o := range outcomes {
			if o.patch.Suspend != "" {
				suspended = append(suspended, o.stage)
				requestID = o.patch.Suspend
			}
		}

		next, err := r.route(suspended)
		if err != nil {
			return r.fail(engineStage, err)
		}

		if len(suspended) > 0 {
			return r.suspend(ctx, append(suspended, next...), requestID)
		}

		r.frontier = next
		if err := r.checkpoint(ctx, ""); err != nil {
			return r.fail(engineStage, err)
		}
	}

	return r.finish(nil)
}

// runStep executes the frontier concurrently. The first hard failure cancels
// the remaining stages; patches of stages that completed are still returned.
func (r *run) runStep(ctx context.Context) ([]outcome, error) {
	stages := make([]core.Stage, len(r.frontier))
	for i, name := range r.frontier {
		stage, ok := r.graph.Node(name)
		if !ok {
			return nil, core.NewValidationError("frontier", "unknown node %q", name)
		}
		stages[i] = stage
	}

	view := r.state.Clone()
	outcomes := make([]outcome, len(r.frontier))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, name := range r.frontier {
		stage := stages[i]
		eg.Go(func() error {
			start := r.engine.clock()
			patch, err := r.invoke(egCtx, stage, view.Clone())
			dur := r.engine.clock().Sub(start)
			logging.StageExecution(r.logger, name, r.step, dur, err)

			if err == nil {
				outcomes[i] = outcome{stage: name, patch: patch, ran: true}
				ev := r.event(core.EventStageCompleted)
				ev.Stage, ev.Duration = name, dur
				r.emit(ev)
				return nil
			}

			ev := r.event(core.EventStageFailed)
			ev.Stage, ev.Duration, ev.Error = name, dur, err.Error()
			r.emit(ev)

			if gate, ok := stage.(core.GateStage); ok && !core.IsFatal(err) && egCtx.Err() == nil {
				folded := core.VerdictPatch(gate.Gate(), false)
				folded.Errors = []core.ErrorRecord{core.NewErrorRecord(name, view.Iteration, err, r.engine.clock())}
				outcomes[i] = outcome{stage: name, patch: folded, ran: true}
				return nil
			}

			outcomes[i] = outcome{stage: name, err: err, ran: true}
			var se *core.StageError
			if !errors.As(err, &se) {
				err = &core.StageError{Stage: name, Err: err}
			}
			return err
		})
	}
	err := eg.Wait()
	return outcomes, err
}

// invoke runs a single stage inside a span with its callbacks. Panics are
// converted into stage errors.
func (r *run) invoke(ctx context.Context, stage core.Stage, view *core.WorkflowState) (patch core.StatePatch, err error) {
	ctx, span := r.engine.tracer.Start(ctx, "stage "+stage.Name(),
		trace.WithAttributes(
			attribute.String("agentgraph.workflow_id", view.WorkflowID),
			attribute.String("agentgraph.stage", stage.Name()),
			attribute.Int("agentgraph.step", r.step),
			attribute.Int("agentgraph.iteration", view.Iteration),
		),
	)
	defer func() {
		if p := recover(); p != nil {
			patch, err = core.StatePatch{}, fmt.Errorf("panic: %v", p)
			if wl, ok := r.logger.(*logging.WorkflowLogger); ok {
				wl.ErrorWithStack(err, "Stage panicked")
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if cbErr := r.engine.callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{
				WorkflowID: view.WorkflowID, Stage: stage.Name(), Step: r.step, State: view, Err: err,
			}); cbErr != nil {
				r.logger.Warn("Error callback failed", "stage", stage.Name(), "error", cbErr)
			}
		} else if patch.Suspend != "" {
			span.SetAttributes(attribute.String("agentgraph.suspend_request", patch.Suspend))
		}
		span.End()
	}()

	cbCtx := &CallbackContext{WorkflowID: view.WorkflowID, Stage: stage.Name(), Step: r.step, State: view}
	if err := r.engine.callbacks.ExecuteCallbacks(ctx, CallbackBeforeStage, cbCtx); err != nil {
		return core.StatePatch{}, err
	}

	patch, err = stage.Execute(ctx, view)
	if err != nil {
		return core.StatePatch{}, err
	}

	cbCtx.Patch = &patch
	if err := r.engine.callbacks.ExecuteCallbacks(ctx, CallbackAfterStage, cbCtx); err != nil {
		return core.StatePatch{}, err
	}
	return patch, nil
}

// route evaluates the out-edges of every frontier node that did not suspend
// and returns the union of their successors without END.
func (r *run) route(skip []string) ([]string, error) {
	var next []string
	for _, n := range r.frontier {
		if slices.Contains(skip, n) {
			continue
		}
		targets, tr, err := r.graph.Next(n, r.state)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			ev := r.event(core.EventRouted)
			ev.Stage, ev.Decision, ev.Target, ev.Status = n, string(tr.Decision), tr.Route.Target, tr.Route.Status
			r.emit(ev)
			r.logger.Debug("Routed", "from", n, "decision", tr.Decision, "target", tr.Route.Target)

			if tr.Route.Status != "" {
				r.state.Status = tr.Route.Status
			}
			if tr.Route.Status == core.StatusBlocked {
				budget := &core.IterationBudgetExceeded{
					Iterations:  r.state.Iteration,
					Max:         r.state.MaxIterations,
					LastFailure: r.state.LastFailure,
				}
				r.state.Errors = append(r.state.Errors, core.NewErrorRecord(n, r.state.Iteration, budget, r.engine.clock()))
			}
		}
		for _, t := range targets {
			if t != graph.END && !slices.Contains(next, t) {
				next = append(next, t)
			}
		}
	}
	return next, nil
}

func (r *run) suspend(ctx context.Context, frontier []string, requestID string) Result {
	r.state.Status = core.StatusAwaitingApproval
	r.frontier = frontier
	if err := r.checkpoint(ctx, requestID); err != nil {
		return r.fail(engineStage, err)
	}

	ev := r.event(core.EventSuspended)
	ev.Target, ev.Status = requestID, r.state.Status
	r.emit(ev)
	r.logger.Info("Workflow suspended", "request_id", requestID, "frontier", frontier)

	return Result{
		WorkflowID:       r.state.WorkflowID,
		State:            r.state.Clone(),
		Status:           r.state.Status,
		PendingRequestID: requestID,
		Steps:            r.step,
		Duration:         r.engine.clock().Sub(r.state.StartedAt),
	}
}

func (r *run) fail(stage string, err error) Result {
	r.state.Status = core.StatusFailed
	r.state.LastFailure = err.Error()
	r.state.Errors = append(r.state.Errors, core.NewErrorRecord(stage, r.state.Iteration, err, r.engine.clock()))
	r.logger.Error("Workflow failed", "stage", stage, "error", err)
	return r.finish(err)
}

// finish settles the terminal status, persists the final checkpoint and the
// workspace snapshot and emits run_completed. Persistence runs detached from
// the run context so that cancelled runs are still recorded.
func (r *run) finish(runErr error) Result {
	now := r.engine.clock()
	if r.state.Status == core.StatusRunning || r.state.Status == core.StatusSelfHealing {
		r.state.Status = core.StatusCompleted
	}
	r.state.CompletedAt = now
	r.state.UpdatedAt = now
	r.frontier = nil
	dur := now.Sub(r.state.StartedAt)

	ctx := context.Background()
	if err := r.checkpoint(ctx, ""); err != nil {
		r.logger.Error("Final checkpoint failed", "error", err)
	}

	snap := core.Snapshot{
		WorkflowID: r.state.WorkflowID,
		Request:    r.state.Request,
		Strategy:   r.state.Strategy,
		Status:     r.state.Status,
		Duration:   dur,
		Iterations: r.state.Iteration,
		Artifacts:  slices.Clone(r.state.Artifacts),
		NextTasks:  slices.Clone(r.state.NextTasks),
		Errors:     slices.Clone(r.state.Errors),
		FinishedAt: now,
	}
	if r.state.WorkspaceRoot != "" {
		if err := r.engine.snapshots.Save(ctx, r.state.WorkspaceRoot, snap); err != nil {
			r.logger.Error("Snapshot save failed", "workspace", r.state.WorkspaceRoot, "error", err)
		}
	}

	logging.WorkflowExecution(r.logger, string(r.state.Strategy), string(r.state.Status), r.step, r.state.Iteration, dur)

	ev := r.event(core.EventRunCompleted)
	ev.Status, ev.Duration = r.state.Status, dur
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	r.emit(ev)

	return Result{
		WorkflowID: r.state.WorkflowID,
		State:      r.state.Clone(),
		Status:     r.state.Status,
		Steps:      r.step,
		Duration:   dur,
		Err:        runErr,
	}
}

func (r *run) checkpoint(ctx context.Context, requestID string) error {
	cp := core.Checkpoint{
		WorkflowID:       r.state.WorkflowID,
		SessionID:        r.state.SessionID,
		Step:             r.step,
		State:            r.state.Clone(),
		Frontier:         slices.Clone(r.frontier),
		PendingRequestID: requestID,
		SavedAt:          r.engine.clock(),
	}
	if err := r.engine.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *run) event(t core.EventType) core.Event {
	ev := core.NewEvent(r.state.WorkflowID, t, r.step, r.engine.clock())
	ev.Iteration = r.state.Iteration
	return ev
}

func (r *run) emit(ev core.Event) {
	r.events <- ev
}
