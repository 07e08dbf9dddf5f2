package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const procLogPrefix = "executor:proc"

// DefaultWaitDelay bounds how long Run waits for output pipes after the process is killed.
const DefaultWaitDelay = 2 * time.Second

// ErrCommandTimeout is returned when the command's context deadline expires.
var ErrCommandTimeout = errors.New("command timed out")

// CommandResult holds captured output. ExitCode is -1 when the process did not exit normally.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs an external command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec. On cancellation the whole process group is
// killed so grandchildren do not outlive the call.
type ExecRunner struct {
	Dir       string
	WaitDelay time.Duration
}

// Run starts name with args and waits for it. A non-zero exit returns the result
// together with an *exec.ExitError.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug(fmt.Sprintf("%s - Running %s %v", procLogPrefix, name, args))
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s", ErrCommandTimeout, name)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

// IsNotFound reports whether err means the executable could not be located.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
