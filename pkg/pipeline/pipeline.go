// Package pipeline runs one task request end to end: classify, dispatch, record the
// run and publish its outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/taskrunner/pkg/db"
	"github.com/morezero/taskrunner/pkg/events"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const (
	logPrefix = "pipeline:pipeline"
	stage     = "pipeline"

	// MaxDescriptionLength bounds a task description in characters.
	MaxDescriptionLength = 1000

	// Side effects run on a detached context so a finished run is still recorded when
	// the caller has gone away.
	sideEffectTimeout = 5 * time.Second
)

// Classifier turns a description into a ParsedTask.
type Classifier interface {
	Parse(ctx context.Context, description string) (tasks.ParsedTask, error)
}

// Dispatcher executes a ParsedTask.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, task tasks.ParsedTask) (bool, error)
}

// RunRecorder persists finished runs. *db.Repository satisfies it.
type RunRecorder interface {
	InsertRun(ctx context.Context, params db.InsertRunParams) (*db.TaskRun, error)
}

// Stages a run can fail in.
const (
	StageValidate = "validate"
	StageClassify = "classify"
	StageExecute  = "execute"
)

// Result describes a finished run. Task carries any parameters the executor derived.
// FailedStage is empty for a successful run.
type Result struct {
	ID          string
	Task        tasks.ParsedTask
	Started     time.Time
	Finished    time.Time
	FailedStage string
}

// NewServiceParams holds the collaborators for NewService.
type NewServiceParams struct {
	Classifier Classifier
	Dispatcher Dispatcher
	// Recorder is optional; nil disables run history.
	Recorder RunRecorder
	// Publisher is optional; nil publishes nothing.
	Publisher events.EventPublisher
	// Now and NewID override the clock and run-ID generator (tests).
	Now   func() time.Time
	NewID func() string
}

// Service is safe for concurrent use; it holds only read-only collaborators.
type Service struct {
	classifier Classifier
	dispatcher Dispatcher
	recorder   RunRecorder
	publisher  events.EventPublisher
	now        func() time.Time
	newID      func() string
}

// NewService creates a Service.
func NewService(p NewServiceParams) *Service {
	s := &Service{
		classifier: p.Classifier,
		dispatcher: p.Dispatcher,
		recorder:   p.Recorder,
		publisher:  p.Publisher,
		now:        p.Now,
		newID:      p.NewID,
	}
	if s.publisher == nil {
		s.publisher = &events.NoOpPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// HistoryEnabled reports whether runs are recorded.
func (s *Service) HistoryEnabled() bool {
	return s.recorder != nil
}

// ValidateDescription checks the description length before any work is done.
func ValidateDescription(description string) error {
	n := len([]rune(strings.TrimSpace(description)))
	if n == 0 {
		return taskerr.New(taskerr.CodeValidation, stage, "task description is required")
	}
	if n > MaxDescriptionLength {
		return taskerr.Newf(taskerr.CodeValidation, stage, "task description exceeds %d characters", MaxDescriptionLength)
	}
	return nil
}

// Run classifies and executes description. The returned Result is never nil, so callers
// can report the run ID on failure too.
func (s *Service) Run(ctx context.Context, description string) (*Result, error) {
	res := &Result{ID: s.newID(), Started: s.now()}

	err := ValidateDescription(description)
	if err != nil {
		res.FailedStage = StageValidate
	} else {
		err = s.execute(ctx, description, res)
	}
	res.Finished = s.now()

	if err != nil {
		slog.Error(fmt.Sprintf("%s - Run %s failed: %v", logPrefix, res.ID, err))
	} else {
		slog.Info(fmt.Sprintf("%s - Run %s (%s) succeeded in %s", logPrefix, res.ID, res.Task.TaskType,
			res.Finished.Sub(res.Started).Round(time.Millisecond)))
	}

	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	s.record(sideCtx, description, res, err)
	s.publish(sideCtx, res, err)
	return res, err
}

func (s *Service) execute(ctx context.Context, description string, res *Result) error {
	task, err := s.classifier.Parse(ctx, description)
	if err != nil {
		res.FailedStage = StageClassify
		return err
	}
	res.Task = task
	slog.Info(fmt.Sprintf("%s - Parsed task info: %s", logPrefix, task.TaskType))

	ok, err := s.dispatcher.ExecuteTask(ctx, task)
	if err == nil && !ok {
		err = taskerr.New(taskerr.CodeExecution, stage, "task execution failed")
	}
	if err != nil {
		res.FailedStage = StageExecute
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, description string, res *Result, runErr error) {
	if s.recorder == nil {
		return
	}
	params := db.InsertRunParams{
		ID:          res.ID,
		Description: description,
		TaskType:    res.Task.TaskType,
		Status:      db.StatusSucceeded,
		Started:     res.Started,
		Finished:    res.Finished,
	}
	if res.Task.Parameters != nil {
		if data, err := json.Marshal(res.Task.Parameters); err == nil {
			params.Parameters = data
		} else {
			slog.Warn(fmt.Sprintf("%s - Failed to encode parameters for run %s: %v", logPrefix, res.ID, err))
		}
	}
	if runErr != nil {
		params.Status = db.StatusFailed
		params.ErrorCode = taskerr.CodeOf(runErr)
		params.ErrorMessage = runErr.Error()
	}
	if _, err := s.recorder.InsertRun(ctx, params); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to record run %s: %v", logPrefix, res.ID, err))
	}
}

func (s *Service) publish(ctx context.Context, res *Result, runErr error) {
	code := ""
	if runErr != nil {
		code = taskerr.CodeOf(runErr)
	}
	ev := events.NewTaskEvent(res.ID, res.Task.TaskType, res.Started, res.Finished, code, runErr)
	if err := s.publisher.PublishCompleted(ctx, ev); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to publish outcome of run %s: %v", logPrefix, res.ID, err))
	}
}
