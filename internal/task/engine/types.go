package engine

import (
	"context"
	"time"

	"shotsched/internal/tasks"
)

// Config controls the action runner.
type Config struct {
	// HistorySize bounds the in-memory run history. Default 200.
	HistorySize int
}

// Action is the unit of work a dispatch runs. It matches capture.Action so the
// engine does not depend on any capture backend.
type Action interface {
	Execute(ctx context.Context, t tasks.Task) (bool, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, t tasks.Task) (bool, error)

func (f ActionFunc) Execute(ctx context.Context, t tasks.Task) (bool, error) { return f(ctx, t) }

// Trigger records what caused a dispatch.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Status is one entry of the status stream.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSkipped   Status = "skipped-already-running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Event types published on the bus, one per Status.
const (
	EventStarted   = "capture.started"
	EventSkipped   = "capture.skipped"
	EventSucceeded = "capture.succeeded"
	EventFailed    = "capture.failed"
)

func eventType(s Status) string {
	switch s {
	case StatusStarted:
		return EventStarted
	case StatusSkipped:
		return EventSkipped
	case StatusSucceeded:
		return EventSucceeded
	default:
		return EventFailed
	}
}

// Outcome is what Dispatch reports synchronously.
type Outcome int

const (
	OutcomeStarted Outcome = iota
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeStarted {
		return "started"
	}
	return "skipped"
}

// Request is one dispatch attempt.
type Request struct {
	Task    tasks.Task
	Guard   *Guard
	Trigger Trigger
	// Due is the fire time that made a scheduled dispatch due (zero for manual).
	Due time.Time
}

// StatusEvent is the payload of every capture.* event.
type StatusEvent struct {
	RunID    string        `json:"run_id"`
	TaskID   string        `json:"task_id"`
	URL      string        `json:"url"`
	Trigger  Trigger       `json:"trigger"`
	Status   Status        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Due      time.Time     `json:"due,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// HistoryItem is a finished (or skipped) run kept for diagnostics.
type HistoryItem = StatusEvent

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight  int
	Started   uint64
	Skipped   uint64
	Succeeded uint64
	Failed    uint64
	History   []HistoryItem
}
