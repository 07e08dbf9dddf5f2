package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const (
	logPrefix = "dispatcher:dispatch"
	stage     = "dispatch"
)

// Executor runs one kind of task.
type Executor interface {
	Execute(ctx context.Context, params tasks.Parameters) (bool, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, params tasks.Parameters) (bool, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, params tasks.Parameters) (bool, error) {
	return f(ctx, params)
}

// Dispatcher routes classified tasks to executors. The registry is fixed at construction.
type Dispatcher struct {
	executors map[string]Executor
}

// NewDispatcher creates a new Dispatcher from a task type → executor table.
func NewDispatcher(executors map[string]Executor) *Dispatcher {
	copied := make(map[string]Executor, len(executors))
	for k, v := range executors {
		if v != nil {
			copied[k] = v
		}
	}
	return &Dispatcher{executors: copied}
}

// Supports reports whether a task type has a registered executor.
func (d *Dispatcher) Supports(taskType string) bool {
	_, ok := d.executors[taskType]
	return ok
}

// TaskTypes returns the registered task types in sorted order.
func (d *Dispatcher) TaskTypes() []string {
	out := make([]string, 0, len(d.executors))
	for k := range d.executors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ExecuteTask looks up the executor for task.TaskType and runs it. Executor errors are
// returned unchanged.
func (d *Dispatcher) ExecuteTask(ctx context.Context, task tasks.ParsedTask) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, taskerr.Wrap(taskerr.CodeValidation, stage, "invalid task", err)
	}

	if !d.Supports(task.TaskType) {
		slog.Error(fmt.Sprintf("%s - No executor for task type %s", logPrefix, task.TaskType))
		return false, taskerr.Newf(taskerr.CodeDispatch, stage, "unsupported task type: %s", task.TaskType)
	}

	slog.Debug(fmt.Sprintf("%s - type=%s", logPrefix, task.TaskType))
	ok, err := d.executors[task.TaskType].Execute(ctx, task.Parameters)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Task execution failed: type=%s err=%v", logPrefix, task.TaskType, err))
		return false, err
	}
	return ok, nil
}
