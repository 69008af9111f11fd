package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/logging"
)

// CallbackType identifies the point in a run at which a callback fires.
type CallbackType string

const (
	// CallbackBeforeStage fires before a stage executes. An error fails the stage.
	CallbackBeforeStage CallbackType = "before_stage"

	// CallbackAfterStage fires after a stage returned without error. An error
	// fails the stage.
	CallbackAfterStage CallbackType = "after_stage"

	// CallbackOnError fires when a stage returned an error. Errors returned by
	// these callbacks are logged and otherwise ignored.
	CallbackOnError CallbackType = "on_error"

	// CallbackOnStateChange fires once per step with the merged patch, before
	// it is committed. An error aborts the run as a validation failure.
	CallbackOnStateChange CallbackType = "on_state_change"
)

// CallbackContext carries the information available to a callback.
type CallbackContext struct {
	WorkflowID string
	Stage      string
	Step       int

	// State is the read-only view the stage executes on (or, for
	// CallbackOnStateChange, the state before the patch is applied).
	State *core.WorkflowState

	// Patch is set for CallbackAfterStage and CallbackOnStateChange.
	Patch *core.StatePatch

	// Err is set for CallbackOnError.
	Err error

	CallbackType CallbackType
}

// Callback is a hook executed by the engine.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback adapts a function into a Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback of the given type backed by fn.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps callbacks by type. Stages of one step run
// concurrently, so callbacks may be invoked from several goroutines.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback under its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs the callbacks of callbackType in registration order
// and stops at the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one debug entry per invocation.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a LoggingCallback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	args := []any{"callback", c.callbackType, "workflow_id", callbackCtx.WorkflowID, "stage", callbackCtx.Stage, "step", callbackCtx.Step}
	if callbackCtx.Err != nil {
		args = append(args, "error", callbackCtx.Err)
	}
	c.logger.Debug("Engine callback", args...)
	return nil
}

// StateValidationCallback vets every merged patch before it is committed.
type StateValidationCallback struct {
	validator func(state *core.WorkflowState, patch core.StatePatch) error
}

// NewStateValidationCallback creates a CallbackOnStateChange hook.
func NewStateValidationCallback(validator func(state *core.WorkflowState, patch core.StatePatch) error) *StateValidationCallback {
	return &StateValidationCallback{
		validator: validator,
	}
}

// Type implements Callback.
func (c *StateValidationCallback) Type() CallbackType {
	return CallbackOnStateChange
}

// Execute implements Callback.
func (c *StateValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator != nil && callbackCtx.Patch != nil {
		return c.validator(callbackCtx.State, *callbackCtx.Patch)
	}
	return nil
}
