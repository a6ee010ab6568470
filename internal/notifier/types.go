package notifier

import (
	"context"
	"time"
)

// Config controls the failure notification pipeline.
type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int

	Workers       int
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages for this long. 0 disables.
	DedupWindow time.Duration
}

// Target is where a message goes.
type Target struct {
	ChatID   int64
	ThreadID int // telegram forum topic (0 if none)
}

// Sender delivers one text message.
type Sender interface {
	SendText(ctx context.Context, to Target, text string) error
}

// Event types published on the bus.
const (
	EventSent    = "notifier.sent"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	TaskID string    `json:"task_id,omitempty"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
