// Package tasks defines the classified task record passed from the classifier to dispatch.
package tasks

import (
	"fmt"
	"strings"
)

// Known task types.
const (
	TypeInstallRunScript = "install_run_script"
	TypeFormatMarkdown   = "format_markdown"
	TypeCountWeekday     = "count_weekday"
	TypeSortContacts     = "sort_contacts"
	TypeRecentLogs       = "recent_logs"
	TypeExtractEmail     = "extract_email"
	TypeMarkdownIndex    = "markdown_index"
	TypeCreditCard       = "credit_card"
	TypeSimilarComments  = "similar_comments"
	TypeTicketSales      = "ticket_sales"
	TypeFetchAPI         = "fetch_api"
	TypeGitOperations    = "git_operations"
)

// DefaultEmail is the user email used when neither the description nor the
// configuration provides one.
const DefaultEmail = "user@example.com"

// Parameters holds task-specific parameters. Executors may add derived entries.
type Parameters map[string]interface{}

// ParsedTask is the structured form of a task description.
type ParsedTask struct {
	TaskType   string     `json:"task_type"`
	Parameters Parameters `json:"parameters"`
}

// Validate checks that TaskType is set and Parameters is a mapping.
func (t ParsedTask) Validate() error {
	if strings.TrimSpace(t.TaskType) == "" {
		return fmt.Errorf("task_type is required")
	}
	if t.Parameters == nil {
		return fmt.Errorf("parameters must be an object")
	}
	return nil
}

// String returns the parameter as a string, or "" when absent or not a string.
func (p Parameters) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// StringOr returns the string parameter or def when it is empty.
func (p Parameters) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Require returns an error naming every key that is missing or empty.
func (p Parameters) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if p.String(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}
