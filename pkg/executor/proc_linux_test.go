//go:build linux

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecRunner_TimeoutKillsGrandchildren checks that a background child of the shell
// does not survive the deadline.
func TestExecRunner_TimeoutKillsGrandchildren(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := ExecRunner{WaitDelay: time.Second}.Run(ctx, "sh", "-c", "sleep 30 & echo $!; wait")
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("executor:proc_linux_test - expected ErrCommandTimeout, got %v", err)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil || pid <= 0 {
		t.Fatalf("executor:proc_linux_test - could not read grandchild pid from %q", res.Stdout)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processRunning(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	t.Fatalf("executor:proc_linux_test - grandchild %d still running after timeout", pid)
}

// processRunning treats zombies as gone: they are dead but may await a slow reaper.
func processRunning(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}
