package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: expected errBoom, got %v", i, err)
		}
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, BaseTimeout: time.Minute})

	failN(t, b, 3)

	if got := b.State(); got != Open {
		t.Fatalf("expected open, got %s", got)
	}

	// Next call within the base timeout must fail fast without invoking op.
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("op must not be invoked while open")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, BaseTimeout: time.Minute})

	failN(t, b, 2)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failN(t, b, 2)

	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after interleaved success, got %s", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, BaseTimeout: time.Minute})

	failN(t, b, 1)
	*now = now.Add(61 * time.Second)

	// First call after the timeout is the probe; admit exactly one.
	if err := b.admit(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("expected half_open, got %s", got)
	}
	if err := b.admit(); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent probe should be rejected, got %v", err)
	}

	b.record(nil)
	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after successful probe, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, BaseTimeout: time.Minute, ExponentialBackoff: true, MaxTimeout: 10 * time.Minute})

	failN(t, b, 1)
	*now = now.Add(61 * time.Second)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("expected open after failed probe, got %s", got)
	}

	// Second open cycle doubles the reopen interval: 1m passes, still open.
	*now = now.Add(61 * time.Second)
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen during doubled timeout, got %v", err)
	}

	// After the full 2m interval, a probe is admitted again.
	*now = now.Add(60 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected admitted probe, got %v", err)
	}
}

func TestReopenTimeoutCappedAtMax(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, BaseTimeout: time.Minute, ExponentialBackoff: true, MaxTimeout: 2 * time.Minute})

	for i := 0; i < 5; i++ {
		failN(t, b, 1)
		*now = now.Add(3 * time.Minute) // beyond the cap, admits a probe
	}

	st := b.Status()
	if st.NextProbeAt == nil {
		t.Fatal("expected next probe time while open")
	}
	if got := st.NextProbeAt.Sub(*now); got > 2*time.Minute {
		t.Fatalf("reopen interval exceeds cap: %s", got)
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, BaseTimeout: time.Hour})

	failN(t, b, 1)
	if got := b.State(); got != Open {
		t.Fatalf("expected open, got %s", got)
	}

	b.Reset()
	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after reset, got %s", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, BaseTimeout: time.Minute})

	failN(t, b, 1)
	st := b.Status()
	if st.State != Closed || st.FailureCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", st)
	}
	if st.LastFailureAt == nil {
		t.Fatal("expected last failure time")
	}

	failN(t, b, 1)
	st = b.Status()
	if st.State != Open || st.NextProbeAt == nil {
		t.Fatalf("unexpected open snapshot: %+v", st)
	}
}

func TestFailureRateWindow(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 100, SlidingWindowSize: 4})

	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return nil })
	failN(t, b, 2)

	if got := b.FailureRate(); got != 0.5 {
		t.Fatalf("expected failure rate 0.5, got %f", got)
	}
}
