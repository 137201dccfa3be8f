package engine

import "time"

// EventType captures lifecycle notifications emitted by the registry and the
// supervised-run wrapper.
type EventType string

const (
	EventTypeStarted    EventType = "started"
	EventTypeStopped    EventType = "stopped"
	EventTypeCrashed    EventType = "crashed"
	EventTypeRestarting EventType = "restarting"
	EventTypeTerminated EventType = "terminated"
	EventTypeCancelled  EventType = "cancelled"
	EventTypeRemoved    EventType = "removed"
)

// Event represents a single lifecycle notification for a task.
type Event struct {
	Timestamp time.Time
	Task      string
	Type      EventType
	Message   string
	Err       error
	Attempt   int
	RunID     string
}

// emit never blocks; events are dropped when the channel is full.
func (r *Registry) emit(task string, t EventType, message string, attempt int, runID string, err error) {
	if r.events == nil {
		return
	}
	evt := Event{
		Timestamp: time.Now(),
		Task:      task,
		Type:      t,
		Message:   message,
		Err:       err,
		Attempt:   attempt,
		RunID:     runID,
	}
	select {
	case r.events <- evt:
	default:
	}
}
