// Package hitl implements human-in-the-loop checkpoints: the request and
// response schema, the pending -> responded | expired | cancelled lifecycle
// and pluggable notification transports.
//
// The Manager never blocks a workflow. A stage submits a Request and the run
// suspends; the response arrives out of band (CLI, NATS, HTTP handler) via
// Respond, keyed by request id, and resolution callbacks resume the run.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentgraph/logging"
)

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("checkpoint request not found")
	// ErrAlreadyResolved is returned when a request already left the pending state.
	ErrAlreadyResolved = errors.New("checkpoint request already resolved")
	// ErrInvalidResponse is returned when a response does not fit the request kind.
	ErrInvalidResponse = errors.New("invalid checkpoint response")
)

// Kind is the type of decision a checkpoint asks for.
type Kind string

const (
	KindApprove Kind = "approve"
	KindReview  Kind = "review"
	KindEdit    Kind = "edit"
	KindChoose  Kind = "choose"
	KindConfirm Kind = "confirm"
)

func (k Kind) valid() bool {
	return slices.Contains([]Kind{KindApprove, KindReview, KindEdit, KindChoose, KindConfirm}, k)
}

// Priority ranks checkpoint urgency for notification channels.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Action is the human's answer.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionEdit    Action = "edit"
	ActionChoose  Action = "choose"
	ActionCancel  Action = "cancel"
)

// State is the lifecycle state of a request.
type State string

const (
	StatePending   State = "pending"
	StateResponded State = "responded"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Request asks a human for a decision.
type Request struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StageID    string    `json:"stage_id"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content"`
	Options    []string  `json:"options,omitempty"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Response is the human's answer to a Request.
type Response struct {
	RequestID       string    `json:"request_id"`
	Action          Action    `json:"action"`
	Feedback        string    `json:"feedback,omitempty"`
	ModifiedContent string    `json:"modified_content,omitempty"`
	ChosenOption    string    `json:"chosen_option,omitempty"`
	Responder       string    `json:"responder,omitempty"`
	RespondedAt     time.Time `json:"responded_at"`
}

// Record is a request together with its lifecycle state.
type Record struct {
	Request    Request   `json:"request"`
	State      State     `json:"state"`
	Response   *Response `json:"response,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Notifier hands requests to an external channel (chat, queue, UI).
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// Options configures a Manager.
type Options struct {
	// Timeout is applied to requests without an explicit ExpiresAt.
	Timeout  time.Duration
	Notifier Notifier
	Logger   logging.Logger
	Clock    func() time.Time
}

type entry struct {
	record Record
	timer  *time.Timer
	done   chan struct{}
}

// Manager owns the lifecycle of checkpoint requests. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	entries   map[string]*entry
	callbacks []func(Record)
	opts      Options
}

// NewManager creates a Manager. The default timeout is 24 hours and the
// default notifier only logs.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		Timeout: 24 * time.Hour,
		Logger:  logging.NoOpLogger{},
		Clock:   time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	return &Manager{entries: map[string]*entry{}, opts: opts}
}

// OnResolve registers fn to be called (outside the lock) whenever a request
// leaves the pending state.
func (m *Manager) OnResolve(fn func(Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Submit registers a pending request, arms its expiry timer and notifies the
// transport. The stored request (with id and timestamps filled in) is returned.
func (m *Manager) Submit(ctx context.Context, req Request) (Request, error) {
	if req.WorkflowID == "" {
		return Request{}, fmt.Errorf("%w: workflow id is required", ErrInvalidResponse)
	}
	if req.Kind == "" {
		req.Kind = KindApprove
	}
	if !req.Kind.valid() {
		return Request{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResponse, req.Kind)
	}
	if req.Kind == KindChoose && len(req.Options) == 0 {
		return Request{}, fmt.Errorf("%w: choose requires options", ErrInvalidResponse)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	now := m.opts.Clock()
	req.CreatedAt = now
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(m.opts.Timeout)
	}

	m.mu.Lock()
	if _, ok := m.entries[req.ID]; ok {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("%w: duplicate request id %s", ErrInvalidResponse, req.ID)
	}
	e := &entry{record: Record{Request: req, State: StatePending}, done: make(chan struct{})}
	m.entries[req.ID] = e
	id := req.ID
	e.timer = time.AfterFunc(req.ExpiresAt.Sub(now), func() { m.expire(id) })
	m.mu.Unlock()

	m.opts.Logger.Info("Checkpoint requested", "request_id", req.ID, "workflow_id", req.WorkflowID, "kind", req.Kind, "expires_at", req.ExpiresAt)

	if err := m.opts.Notifier.Notify(ctx, req); err != nil {
		_ = m.Cancel(req.ID, "notification failed")
		return Request{}, fmt.Errorf("notify checkpoint %s: %w", req.ID, err)
	}
	return req, nil
}

// Respond records the single accepted response for a pending request.
func (m *Manager) Respond(id string, resp Response) (Record, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if e.record.State != StatePending {
		state := e.record.State
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, state)
	}
	if err := validateResponse(e.record.Request, resp); err != nil {
		m.mu.Unlock()
		return Record{}, err
	}

	now := m.opts.Clock()
	resp.RequestID = id
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = now
	}
	state := StateResponded
	if resp.Action == ActionCancel {
		state = StateCancelled
	}
	rec := m.resolveLocked(e, state, &resp, now)
	m.mu.Unlock()

	m.opts.Logger.Info("Checkpoint resolved", "request_id", id, "state", state, "action", resp.Action)
	m.notifyResolved(rec)
	return rec, nil
}

// Cancel moves a pending request to cancelled.
func (m *Manager) Cancel(id, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if e.record.State != StatePending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, e.record.State)
	}
	now := m.opts.Clock()
	rec := m.resolveLocked(e, StateCancelled, &Response{RequestID: id, Action: ActionCancel, Feedback: reason, RespondedAt: now}, now)
	m.mu.Unlock()

	m.opts.Logger.Info("Checkpoint cancelled", "request_id", id, "reason", reason)
	m.notifyResolved(rec)
	return nil
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.record.State != StatePending {
		m.mu.Unlock()
		return
	}
	rec := m.resolveLocked(e, StateExpired, nil, m.opts.Clock())
	m.mu.Unlock()

	m.opts.Logger.Warn("Checkpoint expired", "request_id", id, "workflow_id", rec.Request.WorkflowID)
	m.notifyResolved(rec)
}

func (m *Manager) resolveLocked(e *entry, state State, resp *Response, now time.Time) Record {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.record.State = state
	e.record.Response = resp
	e.record.ResolvedAt = now
	close(e.done)
	return cloneRecord(e.record)
}

func (m *Manager) notifyResolved(rec Record) {
	m.mu.Lock()
	cbs := slices.Clone(m.callbacks)
	m.mu.Unlock()
	for _, fn := range cbs {
		fn(rec)
	}
}

// Get returns the current record for id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return cloneRecord(e.record), nil
}

// Wait blocks until id is resolved or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Record, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	select {
	case <-e.done:
		return m.Get(id)
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Pending lists pending requests, optionally filtered by workflow id, oldest first.
func (m *Manager) Pending(workflowID string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, e := range m.entries {
		if e.record.State != StatePending {
			continue
		}
		if workflowID != "" && e.record.Request.WorkflowID != workflowID {
			continue
		}
		out = append(out, cloneRecord(e.record).Request)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops all expiry timers. Pending requests stay pending.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func validateResponse(req Request, resp Response) error {
	switch resp.Action {
	case ActionApprove, ActionReject, ActionCancel:
		return nil
	case ActionEdit:
		if resp.ModifiedContent == "" {
			return fmt.Errorf("%w: edit requires modified content", ErrInvalidResponse)
		}
		return nil
	case ActionChoose:
		if !slices.Contains(req.Options, resp.ChosenOption) {
			return fmt.Errorf("%w: option %q not offered", ErrInvalidResponse, resp.ChosenOption)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidResponse, resp.Action)
	}
}

func cloneRecord(r Record) Record {
	r.Request.Options = slices.Clone(r.Request.Options)
	if r.Response != nil {
		resp := *r.Response
		r.Response = &resp
	}
	return r
}
