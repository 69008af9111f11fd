package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an Event.
type EventType string

const (
	EventStepStarted    EventType = "step_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventRouted         EventType = "routed"
	EventSuspended      EventType = "suspended"
	EventResumed        EventType = "resumed"
	EventRunCompleted   EventType = "run_completed"
)

// Event is an immutable record emitted while a workflow runs. Stage
// completion events are delivered in true completion order.
type Event struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Type       EventType     `json:"type"`
	Stage      string        `json:"stage,omitempty"`
	Step       int           `json:"step"`
	Iteration  int           `json:"iteration"`
	Decision   string        `json:"decision,omitempty"`
	Target     string        `json:"target,omitempty"`
	Status     Status        `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(workflowID string, t EventType, step int, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       t,
		Step:       step,
		Timestamp:  now,
	}
}
