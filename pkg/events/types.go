// Package events defines task outcome events and publisher implementations.
package events

import "time"

// Event statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TaskEvent is emitted when a task run finishes.
type TaskEvent struct {
	ID         string `json:"id"`
	TaskType   string `json:"taskType,omitempty"`
	Status     string `json:"status"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  string `json:"timestamp"`
}

// NewTaskEvent builds an event for a run that started at started and finished at finished.
// A nil runErr marks the run succeeded.
func NewTaskEvent(id, taskType string, started, finished time.Time, errorCode string, runErr error) *TaskEvent {
	ev := &TaskEvent{
		ID:         id,
		TaskType:   taskType,
		Status:     StatusSucceeded,
		DurationMs: finished.Sub(started).Milliseconds(),
		Timestamp:  finished.UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		ev.Status = StatusFailed
		ev.ErrorCode = errorCode
		ev.Error = runErr.Error()
	}
	return ev
}
