package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/morezero/taskrunner/pkg/db"
	"github.com/morezero/taskrunner/pkg/pipeline"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const (
	handlersLogPrefix = "server:handlers"

	maxPathLength   = 255
	maxRunBodyBytes = 64 << 10
)

// errMalformedRequest marks request-shape failures, reported as 422.
var errMalformedRequest = errors.New("malformed request")

type runRequest struct {
	Task string `json:"task"`
}

type taskResponse struct {
	Status    string           `json:"status"`
	Message   string           `json:"message"`
	RunID     string           `json:"run_id"`
	TaskInfo  tasks.ParsedTask `json:"task_info"`
	Timestamp string           `json:"timestamp"`
}

type fileResponse struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	RunID     string `json:"run_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthChecks reports configured dependencies; nil means not configured.
type HealthChecks struct {
	Database *bool `json:"database,omitempty"`
	Comms    *bool `json:"comms,omitempty"`
}

// HealthOutput is the GET /health body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// runView is the JSON shape of a recorded run.
type runView struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	TaskType     string          `json:"task_type,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Status       string          `json:"status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Started      string          `json:"started"`
	Finished     string          `json:"finished"`
	DurationMs   int64           `json:"duration_ms"`
}

type runsResponse struct {
	Runs  []runView `json:"runs"`
	Total int       `json:"total"`
	Limit int       `json:"limit"`
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", handlersLogPrefix, err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail, runID string) {
	s.writeJSON(w, status, errorResponse{Detail: detail, RunID: runID, Timestamp: s.timestamp()})
}

// statusForRun maps a failed run onto an HTTP status and detail message. Validation and
// classification failures are 400; once execution has started every failure is a 500,
// whatever code the executor reported.
func statusForRun(res *pipeline.Result, err error) (int, string) {
	if res == nil || res.FailedStage != pipeline.StageExecute {
		if taskerr.Is(err, taskerr.CodeClassification) || taskerr.Is(err, taskerr.CodeValidation) {
			return http.StatusBadRequest, err.Error()
		}
	}
	return http.StatusInternalServerError, "Task execution failed: " + err.Error()
}

// handleRun handles POST /run with {"task": "..."} or ?task=.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	description, err := readTaskDescription(r)
	if err == nil {
		err = pipeline.ValidateDescription(description)
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejected run request: %v", handlersLogPrefix, err))
		s.writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}

	res, err := s.runner.Run(r.Context(), description)
	if err != nil {
		status, detail := statusForRun(res, err)
		runID := ""
		if res != nil {
			runID = res.ID
		}
		s.writeError(w, status, detail, runID)
		return
	}

	s.writeJSON(w, http.StatusOK, taskResponse{
		Status:    "success",
		Message:   "Task executed successfully",
		RunID:     res.ID,
		TaskInfo:  res.Task,
		Timestamp: s.timestamp(),
	})
}

func readTaskDescription(r *http.Request) (string, error) {
	if task := r.URL.Query().Get("task"); task != "" {
		return task, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read body", errMalformedRequest)
	}
	if len(body) > maxRunBodyBytes {
		return "", fmt.Errorf("%w: body too large", errMalformedRequest)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", fmt.Errorf("%w: task is required", errMalformedRequest)
	}
	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: body must be a JSON object with a task string", errMalformedRequest)
	}
	return req.Task, nil
}

// handleRead handles GET /read?path=.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	path := r.URL.Query().Get("path")
	if n := len([]rune(path)); n == 0 || n > maxPathLength {
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("path must be 1-%d characters", maxPathLength), "")
		return
	}

	data, err := s.access.ReadFile(path)
	if err != nil {
		switch taskerr.CodeOf(err) {
		case taskerr.CodeAccessDenied:
			s.writeError(w, http.StatusForbidden, "Access denied", "")
		case taskerr.CodeNotFound:
			s.writeError(w, http.StatusNotFound, "File not found", "")
		case taskerr.CodeValidation:
			s.writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		default:
			slog.Error(fmt.Sprintf("%s - Error reading file: %v", handlersLogPrefix, err))
			s.writeError(w, http.StatusInternalServerError, "Error reading file: "+err.Error(), "")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, fileResponse{Content: string(data), Timestamp: s.timestamp()})
}

// handleRuns handles GET /runs?limit=&task_type=&status=.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Run history is disabled", "")
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer", "")
			return
		}
		limit = n
	}
	params := db.ListRunsParams{TaskType: q.Get("task_type"), Status: q.Get("status"), Limit: limit}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	runs, total, err := s.runs.ListRecentRuns(ctx, params)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to list runs: %v", handlersLogPrefix, err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list runs", "")
		return
	}

	out := runsResponse{Runs: make([]runView, 0, len(runs)), Total: total, Limit: db.ClampLimit(limit)}
	for _, run := range runs {
		out.Runs = append(out.Runs, toRunView(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleRunByID handles GET /runs/{id}.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "Not found", "")
		return
	}
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Run history is disabled", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to load run %s: %v", handlersLogPrefix, id, err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load run", "")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "Run not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunView(*run))
}

func toRunView(run db.TaskRun) runView {
	v := runView{
		ID:          run.ID,
		Description: run.Description,
		Status:      run.Status,
		Started:     run.Started.UTC().Format(time.RFC3339),
		Finished:    run.Finished.UTC().Format(time.RFC3339),
		DurationMs:  run.DurationMs(),
	}
	if run.TaskType != nil {
		v.TaskType = *run.TaskType
	}
	if run.ErrorCode != nil {
		v.ErrorCode = *run.ErrorCode
	}
	if run.ErrorMessage != nil {
		v.ErrorMessage = *run.ErrorMessage
	}
	if len(run.Parameters) > 0 && json.Valid(run.Parameters) {
		v.Parameters = json.RawMessage(run.Parameters)
	}
	return v
}

// Health checks the configured dependencies.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{Status: "healthy", Timestamp: s.timestamp()}
	if s.database != nil {
		ok := s.database.Ping(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	if s.comms != nil {
		ok := s.comms.IsConnected()
		out.Checks.Comms = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

// homePageTemplate is the HTML for the status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Taskrunner</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Taskrunner</h1>
  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span> at {{.Health.Timestamp}}</p>
  </section>
  <section>
    <h2>Task types</h2>
    <p>{{range .TaskTypes}}<code>{{.}}</code> {{end}}</p>
  </section>
  {{if .StatusCounts}}
  <section>
    <h2>Run totals</h2>
    <p>{{range .StatusCounts}}{{.Status}}: <strong>{{.Count}}</strong> {{end}}</p>
  </section>
  {{end}}
  <section>
    <h2>Recent runs</h2>
    {{if .RunsError}}
    <p class="error">{{.RunsError}}</p>
    {{else if not .Runs}}
    <p>No runs recorded yet.</p>
    {{else}}
    <table>
      <tr><th>Started</th><th>Task type</th><th>Status</th><th>Duration</th><th>Error</th></tr>
      {{range .Runs}}
      <tr><td>{{.Started}}</td><td>{{.TaskType}}</td><td>{{.Status}}</td><td>{{.DurationMs}} ms</td><td>{{.ErrorCode}}</td></tr>
      {{end}}
    </table>
    {{end}}
  </section>
</body>
</html>
`

type statusCount struct {
	Status string
	Count  int
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health       *HealthOutput
	TaskTypes    []string
	StatusCounts []statusCount
	Runs         []runView
	RunsError    string
}

// sortedCounts orders status counts by status name.
func sortedCounts(counts map[string]int) []statusCount {
	out := make([]statusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, statusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			s.writeError(w, http.StatusNotFound, "Not found", "")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.Health(ctx), TaskTypes: s.taskTypes}
		if s.runs == nil {
			data.RunsError = "Run history is disabled."
		} else if runs, _, err := s.runs.ListRecentRuns(ctx, db.ListRunsParams{Limit: 10}); err != nil {
			data.RunsError = "Could not load runs: " + err.Error()
		} else {
			for _, run := range runs {
				data.Runs = append(data.Runs, toRunView(run))
			}
			if counts, err := s.runs.CountByStatus(ctx); err != nil {
				slog.Warn(fmt.Sprintf("%s - Failed to count runs: %v", handlersLogPrefix, err))
			} else {
				data.StatusCounts = sortedCounts(counts)
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", handlersLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
