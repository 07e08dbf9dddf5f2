package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordSleeps returns a SleepFunc that records delays instead of waiting.
func recordSleeps(out *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*out = append(*out, d)
		return nil
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("retry:policy_test - Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Backoff_Constant(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		if got := p.Backoff(attempt); got != time.Second {
			t.Errorf("retry:policy_test - Backoff(%d) = %v, want 1s", attempt, got)
		}
	}
	if got := (Policy{}).Backoff(2); got != 0 {
		t.Errorf("retry:policy_test - zero policy Backoff = %v, want 0", got)
	}
}

func TestPolicy_Timeout(t *testing.T) {
	p := Policy{BaseTimeout: 30 * time.Second, MaxTimeout: 90 * time.Second}

	want := []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second, 90 * time.Second}
	for attempt, w := range want {
		if got := p.Timeout(attempt); got != w {
			t.Errorf("retry:policy_test - Timeout(%d) = %v, want %v", attempt, got, w)
		}
	}
	if got := (Policy{}).Timeout(1); got != 0 {
		t.Errorf("retry:policy_test - zero policy Timeout = %v, want 0", got)
	}
}

func TestPolicy_Attempts(t *testing.T) {
	if got := (Policy{}).Attempts(); got != 1 {
		t.Errorf("retry:policy_test - zero policy Attempts = %d, want 1", got)
	}
	if got := (Policy{MaxAttempts: 3}).Attempts(); got != 3 {
		t.Errorf("retry:policy_test - Attempts = %d, want 3", got)
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{Name: "test", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second, Sleep: recordSleeps(&sleeps)}

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry:policy_test - unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("retry:policy_test - calls = %d, want 3", calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("retry:policy_test - sleeps = %v, want [1s 2s]", sleeps)
	}
}

func TestDo_Exhausted(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{Name: "test", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, Sleep: recordSleeps(&sleeps)}

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context, int) error { return boom })

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("retry:policy_test - expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("retry:policy_test - Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Error("retry:policy_test - expected exhausted error to wrap the last failure")
	}
	// No wait after the final attempt.
	if len(sleeps) != 2 {
		t.Errorf("retry:policy_test - sleeps = %v, want 2 entries", sleeps)
	}
}

func TestDo_StopIsNotRetried(t *testing.T) {
	p := Policy{MaxAttempts: 3, Sleep: recordSleeps(new([]time.Duration))}

	fatal := errors.New("fatal")
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Stop(fatal)
	})
	if err != fatal {
		t.Errorf("retry:policy_test - err = %v, want the unwrapped fatal error", err)
	}
	if calls != 1 {
		t.Errorf("retry:policy_test - calls = %d, want 1", calls)
	}
}

func TestDo_ImmediatelySkipsBackoff(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordSleeps(&sleeps)}

	err := p.Do(context.Background(), func(context.Context, int) error {
		return Immediately(errors.New("timeout"))
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("retry:policy_test - expected ExhaustedError, got %v", err)
	}
	if exhausted.Err.Error() != "timeout" {
		t.Errorf("retry:policy_test - last error = %v, want timeout", exhausted.Err)
	}
	if len(sleeps) != 0 {
		t.Errorf("retry:policy_test - sleeps = %v, want none", sleeps)
	}
}

func TestDo_WaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	err := p.Do(ctx, func(context.Context, int) error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("retry:policy_test - err = %v, want context.Canceled", err)
	}
}

func TestAttemptContext_Deadline(t *testing.T) {
	p := Policy{BaseTimeout: 30 * time.Second, MaxTimeout: 90 * time.Second}

	ctx, cancel := p.AttemptContext(context.Background(), 1)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("retry:policy_test - expected a deadline")
	}
	if remaining := time.Until(deadline); remaining < 59*time.Second || remaining > 60*time.Second {
		t.Errorf("retry:policy_test - remaining = %v, want ~60s", remaining)
	}

	unbounded, cancel2 := (Policy{}).AttemptContext(context.Background(), 0)
	defer cancel2()
	if _, ok := unbounded.Deadline(); ok {
		t.Error("retry:policy_test - expected no deadline for zero BaseTimeout")
	}
}
