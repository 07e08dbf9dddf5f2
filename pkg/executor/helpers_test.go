package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/retry"
)

func newTestAccess(t *testing.T) *access.Policy {
	t.Helper()
	p, err := access.NewPolicy(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("executor:helpers_test - NewPolicy failed: %v", err)
	}
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("executor:helpers_test - EnsureDirs failed: %v", err)
	}
	return p
}

// sleepRecorder records requested waits without sleeping.
type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testDownloadPolicy(rec *sleepRecorder) retry.Policy {
	p := DefaultDownloadPolicy(5 * time.Second)
	p.Sleep = rec.sleep
	return p
}

func testInstallPolicy(rec *sleepRecorder) retry.Policy {
	p := DefaultInstallPolicy()
	p.Sleep = rec.sleep
	return p
}

// flakyServer fails the first `failures` requests with status, then serves body.
func flakyServer(t *testing.T, failures int32, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// fakeToolRunner answers helper-tool version checks and pip installs, delegating everything else.
type fakeToolRunner struct {
	tool         string
	version      func(call int) (CommandResult, error)
	install      func(call int) (CommandResult, error)
	versionCalls int
	installCalls int
	delegate     CommandRunner
}

func (f *fakeToolRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	switch {
	case name == f.tool:
		f.versionCalls++
		return f.version(f.versionCalls)
	case len(args) > 0 && args[0] == "-m":
		f.installCalls++
		return f.install(f.installCalls)
	default:
		return f.delegate.Run(ctx, name, args...)
	}
}

func toolInstalled(int) (CommandResult, error) {
	return CommandResult{Stdout: "uv 0.4.18 (7b55e9790 2024-10-01)", ExitCode: 0}, nil
}

func toolMissing(int) (CommandResult, error) {
	return CommandResult{ExitCode: -1}, &exec.Error{Name: "uv", Err: exec.ErrNotFound}
}

func installFails(int) (CommandResult, error) {
	return CommandResult{ExitCode: 1, Stderr: "network unreachable"}, errors.New("exit status 1")
}

func installSucceeds(int) (CommandResult, error) {
	return CommandResult{ExitCode: 0, Stdout: "Successfully installed uv"}, nil
}
