package db

import "time"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TaskRun represents a row in the task_runs table.
type TaskRun struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	TaskType     *string   `json:"task_type,omitempty"`
	Parameters   []byte    `json:"parameters,omitempty"`
	Status       string    `json:"status"`
	ErrorCode    *string   `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// DurationMs returns the run duration in milliseconds.
func (r TaskRun) DurationMs() int64 {
	return r.Finished.Sub(r.Started).Milliseconds()
}

// InsertRunParams holds parameters for InsertRun.
type InsertRunParams struct {
	ID           string
	Description  string
	TaskType     string
	Parameters   []byte
	Status       string
	ErrorCode    string
	ErrorMessage string
	Started      time.Time
	Finished     time.Time
}

// ListRunsParams holds parameters for ListRecentRuns.
type ListRunsParams struct {
	TaskType string
	Status   string
	Limit    int
}
