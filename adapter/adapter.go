// Package adapter defines the event-bus adapter boundary: pluggable
// publishers that notify downstream systems when an execution finishes.
//
// The dispatcher owns adapter lifecycle; callers provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/corral/types"
)

// ExecutionCompletedEvent is the payload published when a dispatched
// execution finishes, successfully or not.
type ExecutionCompletedEvent struct {
	TelemetryVersion string `json:"telemetry_version"`
	EventType        string `json:"event_type"` // always "execution_completed"
	SessionID        string `json:"session_id"`
	ScriptID         string `json:"script_id,omitempty"`
	Outcome          string `json:"outcome"` // "success" or "error"
	Error            string `json:"error,omitempty"`
	CommandsRun      int    `json:"commands_run"`
	Timestamp        string `json:"timestamp"` // ISO 8601
}

// Adapter publishes execution completion events to a downstream system.
// Implementations must be safe for single-use per execution.
type Adapter interface {
	// Publish sends an execution completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ExecutionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Notifier wraps an Adapter so it satisfies the dispatcher's notification
// hook (any type with a Notify(types.ExecutionResult, error) method), in the
// same way a dispatch.Notifier does.
type Notifier struct {
	Adapter Adapter
	Timeout time.Duration
	Now     func() time.Time
}

// NewNotifier wraps adapter with a default 5s publish timeout and the real
// clock.
func NewNotifier(adapter Adapter) *Notifier {
	return &Notifier{Adapter: adapter, Timeout: 5 * time.Second, Now: time.Now}
}

// Notify converts a dispatcher result into an ExecutionCompletedEvent and
// publishes it. Publish errors are swallowed: a downstream notification
// failure must never fail the execution it is reporting on.
func (n *Notifier) Notify(result types.ExecutionResult, runErr error) {
	event := &ExecutionCompletedEvent{
		TelemetryVersion: types.TelemetryVersion,
		EventType:        "execution_completed",
		SessionID:        result.SessionID,
		CommandsRun:      result.CommandsRun,
		Outcome:          "success",
		Timestamp:        n.now().UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		event.Outcome = "error"
		event.Error = runErr.Error()
	}

	ctx := context.Background()
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	_ = n.Adapter.Publish(ctx, event)
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}
