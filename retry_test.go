package flowline

import (
	"testing"
	"time"
)

func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	p := Retry(0).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(0), got %d", p.MaxAttempts)
	}

	p = Retry(-5).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(-5), got %d", p.MaxAttempts)
	}
}

func TestRetry_WithExponentialBackoff(t *testing.T) {
	p := Retry(4).WithExponentialBackoff(100*time.Millisecond, 0, 250*time.Millisecond).Policy()

	if p.MaxAttempts != 4 {
		t.Fatalf("expected MaxAttempts=4, got %d", p.MaxAttempts)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected default multiplier 2.0, got %v", p.BackoffMultiplier)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected backoff %v, got %v", i+1, w, got)
		}
	}
}

func TestRetry_WithConstantBackoff(t *testing.T) {
	p := Retry(3).WithConstantBackoff(time.Second).Policy()
	for attempt := 1; attempt <= 3; attempt++ {
		if got := p.Backoff(attempt); got != time.Second {
			t.Fatalf("attempt %d: expected 1s, got %v", attempt, got)
		}
	}
}

func TestRetry_Immediate(t *testing.T) {
	p := Retry(3).WithExponentialBackoff(time.Second, 3, time.Minute).Immediate().Policy()
	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if got := p.Backoff(2); got != 0 {
		t.Fatalf("expected no backoff, got %v", got)
	}
}
