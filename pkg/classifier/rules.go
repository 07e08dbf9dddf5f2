package classifier

import (
	"fmt"
	"strings"

	"github.com/morezero/taskrunner/pkg/tasks"
)

// ParamBuilder derives the parameters for a matched task from the normalized description.
type ParamBuilder func(description string) (tasks.Parameters, error)

// Rule maps a keyword (which is also the task type) to its parameter builder.
type Rule struct {
	Keyword string
	Build   ParamBuilder
}

// Defaults supplies the values templated into install_run_script parameters.
type Defaults struct {
	ScriptURL string
	Email     string
}

// Default values for Defaults fields.
const (
	DefaultScriptURL = "https://raw.githubusercontent.com/sanand0/tools-in-data-science-public/tds-2025-01/project-1/datagen.py"
	requiredScript   = "datagen.py"
)

// DefaultRules returns the keyword table in match-priority order.
func DefaultRules(d Defaults) []Rule {
	scriptURL := d.ScriptURL
	if scriptURL == "" {
		scriptURL = DefaultScriptURL
	}
	email := d.Email
	if email == "" {
		email = tasks.DefaultEmail
	}

	return []Rule{
		{Keyword: tasks.TypeInstallRunScript, Build: func(description string) (tasks.Parameters, error) {
			if !strings.Contains(description, requiredScript) {
				return nil, fmt.Errorf("invalid install script task: %s not specified", requiredScript)
			}
			return tasks.Parameters{"script_url": scriptURL, "email": email}, nil
		}},
		{Keyword: tasks.TypeFormatMarkdown, Build: fixed(nil)},
		{Keyword: tasks.TypeCountWeekday, Build: fixed(tasks.Parameters{
			"weekday":     "wednesday",
			"input_file":  "data/dates.txt",
			"output_file": "data/dates-wednesdays.txt",
		})},
		{Keyword: tasks.TypeSortContacts, Build: fixed(nil)},
		{Keyword: tasks.TypeRecentLogs, Build: fixed(nil)},
		{Keyword: tasks.TypeExtractEmail, Build: fixed(nil)},
		{Keyword: tasks.TypeMarkdownIndex, Build: fixed(tasks.Parameters{
			"input_dir":   "/data/docs",
			"output_file": "/data/docs/index.json",
		})},
		{Keyword: tasks.TypeCreditCard, Build: fixed(nil)},
		{Keyword: tasks.TypeSimilarComments, Build: fixed(tasks.Parameters{
			"input_file":  "/data/comments.txt",
			"output_file": "/data/comments-similar.txt",
		})},
		{Keyword: tasks.TypeTicketSales, Build: fixed(nil)},
		{Keyword: tasks.TypeFetchAPI, Build: fixed(tasks.Parameters{
			"url":         "https://example.com/api",
			"output_path": "/data/api_data.json",
		})},
		{Keyword: tasks.TypeGitOperations, Build: fixed(tasks.Parameters{
			"repo_url":       "https://github.com/example/repo.git",
			"commit_message": "Automated commit",
		})},
	}
}

// fixed returns a builder yielding a fresh copy of params on every call.
func fixed(params tasks.Parameters) ParamBuilder {
	return func(string) (tasks.Parameters, error) {
		out := make(tasks.Parameters, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}
}
