// Package engine executes compiled workflow graphs.
//
// The Engine takes a graph.Compiled and a core.WorkflowState and drives the
// state through the graph until it reaches END, fails, exhausts its iteration
// budget or pauses at a human checkpoint.
//
// # Execution Model
//
// A run proceeds in steps. The stages of the current frontier execute
// concurrently (golang.org/x/sync/errgroup), each on its own clone of the
// state, and describe their changes as a core.StatePatch. Patches commit only
// after every stage of the step returned:
//
//   - patches are merged in frontier order, so append-only fields are
//     deterministic regardless of completion order;
//   - two stages writing the same scalar in one step is a ValidationError
//     and aborts the run;
//   - the next frontier is the union of the successors selected by the
//     out-edges of every frontier node. Conditional routes may also set the
//     run status (self_healing, blocked, failed).
//
// A checkpoint is saved to the CheckpointStore after every step.
//
// # Error Folding
//
//   - A gate stage error becomes a failing verdict plus an error record; the
//     aggregator then routes as usual.
//   - Any other stage error fails the run. Sibling stages are cancelled, but
//     the patches of siblings that already completed are committed.
//   - Sandbox violations and validation errors fail the run immediately,
//     without consulting routing.
//   - Exceeding Config.RunTimeout fails the run with core.ErrRunTimeout.
//
// # Suspension
//
// A stage returning a patch with Suspend set pauses the run: the state is
// marked awaiting_approval, the checkpoint keeps the suspended stage as
// frontier and Invoke returns without blocking. Resume reloads the checkpoint
// and executes the suspended stage again once the decision is available.
//
// # Observability
//
// Every stage runs inside an OpenTelemetry span. Events (step_started,
// stage_completed, stage_failed, routed, suspended, resumed, run_completed)
// are streamed on a channel in the order they happen. Terminal runs write a
// core.Snapshot to the SnapshotStore of their workspace.
//
// # Usage
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logger
//	    o.Config.RunTimeout = 15 * time.Minute
//	})
//
//	res, events, err := eng.InvokeSync(ctx, compiled, state)
//	if err != nil {
//	    return err
//	}
//	if res.Suspended() {
//	    // collect the decision for res.PendingRequestID, then:
//	    res, _, err = eng.ResumeSync(ctx, compiled, res.WorkflowID)
//	}
package engine
