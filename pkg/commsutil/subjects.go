package commsutil

import (
	"strings"
)

// Default COMMS subjects.
const (
	SubjectTaskRun   = "cap.tasks.run.v1"
	SubjectTaskEvent = "tasks.completed"
)

// TokenUnknown replaces an empty subject token.
const TokenUnknown = "unknown"

// BuildTaskEventSubject builds the granular completion subject for a task type, e.g.
// "tasks.completed.count_weekday". The task type is sanitized to a single token.
func BuildTaskEventSubject(base, taskType string) string {
	if base == "" {
		base = SubjectTaskEvent
	}
	return base + "." + SanitizeToken(taskType)
}

// SanitizeToken maps s onto one subject token: separators, wildcards and whitespace become "_".
func SanitizeToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return TokenUnknown
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// QueueGroup returns the queue group name shared by instances of a service.
func QueueGroup(service string) string {
	return SanitizeToken(service) + ".workers"
}
