package db

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const repoTestPrefix = "db:repository_test"

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultListLimit},
		{-5, DefaultListLimit},
		{1, 1},
		{50, 50},
		{MaxListLimit, MaxListLimit},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("%s - ClampLimit(%d) = %d, want %d", repoTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestNormalizeJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "{}"},
		{"null", "{}"},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := string(normalizeJSON([]byte(tt.in))); got != tt.want {
			t.Errorf("%s - normalizeJSON(%q) = %q, want %q", repoTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestTaskRun_DurationMs(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := TaskRun{Started: start, Finished: start.Add(1500 * time.Millisecond)}
	if got := run.DurationMs(); got != 1500 {
		t.Errorf("%s - DurationMs = %d, want 1500", repoTestPrefix, got)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	var buf bytes.Buffer
	printMigrationStatus(&buf, false, 1, "migrations")
	if !strings.Contains(buf.String(), "not applied") || !strings.Contains(buf.String(), "taskrunner migrate up") {
		t.Errorf("%s - unexpected status output %q", repoTestPrefix, buf.String())
	}

	buf.Reset()
	printMigrationStatus(&buf, true, 2, "migrations")
	if !strings.Contains(buf.String(), "applied (schema present, 2 migration files") {
		t.Errorf("%s - unexpected status output %q", repoTestPrefix, buf.String())
	}
}
