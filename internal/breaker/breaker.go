package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker blocks a call without invoking the
// wrapped operation.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state machine position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes a single breaker instance.
type Config struct {
	// FailureThreshold is the count of consecutive failures that opens the
	// breaker from closed.
	FailureThreshold int
	// SuccessThreshold is the count of consecutive half-open successes that
	// closes the breaker again.
	SuccessThreshold int
	// BaseTimeout is the initial open interval before a probe is admitted.
	BaseTimeout time.Duration
	// MaxTimeout caps the reopen interval when ExponentialBackoff is on.
	MaxTimeout time.Duration
	// ExponentialBackoff doubles the reopen interval on each consecutive
	// open cycle.
	ExponentialBackoff bool
	// SlidingWindowSize bounds the recent-outcome window used for the
	// failure-rate reading in Status.
	SlidingWindowSize int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = 20
	}
	return c
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt   *time.Time `json:"next_probe_at,omitempty"`
}

// Breaker is a concurrency-safe circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state         State
	failures      int // consecutive failures while closed
	successes     int // consecutive successes while half-open
	openCycles    int // consecutive open transitions without a full close
	lastFailureAt time.Time
	reopenAt      time.Time
	probing       bool
	window        []bool // recent outcomes, true = failure
}

// New constructs a closed breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: Closed,
	}
}

// Execute runs op under the breaker contract. When the breaker is open and
// the reopen deadline has not passed, it fails with ErrOpen without calling
// op. In half-open, a single probe is admitted; concurrent probes are
// rejected with ErrOpen.
func (b *Breaker) Execute(op func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.reopenAt) {
			return ErrOpen
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.push(err != nil)

	if err == nil {
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.probing = false
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.failures = 0
				b.openCycles = 0
			}
		}
		return
	}

	b.lastFailureAt = b.now()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.probing = false
		b.trip()
	}
}

// trip moves to open and schedules the next probe. The reopen interval
// doubles per consecutive open cycle when exponential backoff is enabled,
// capped at MaxTimeout. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = Open
	b.openCycles++
	timeout := b.cfg.BaseTimeout
	if b.cfg.ExponentialBackoff {
		for i := 1; i < b.openCycles; i++ {
			timeout *= 2
			if timeout >= b.cfg.MaxTimeout {
				timeout = b.cfg.MaxTimeout
				break
			}
		}
	}
	if timeout > b.cfg.MaxTimeout {
		timeout = b.cfg.MaxTimeout
	}
	b.reopenAt = b.now().Add(timeout)
}

func (b *Breaker) push(failed bool) {
	b.window = append(b.window, failed)
	if len(b.window) > b.cfg.SlidingWindowSize {
		b.window = b.window[len(b.window)-b.cfg.SlidingWindowSize:]
	}
}

// Status returns a snapshot for health and metrics surfaces.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.successes,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		st.LastFailureAt = &t
	}
	if b.state == Open {
		t := b.reopenAt
		st.NextProbeAt = &t
	}
	return st
}

// State returns the current state without the full snapshot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allows reports whether a call would currently be admitted. It does not
// consume the half-open probe slot.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return !b.now().Before(b.reopenAt)
	case HalfOpen:
		return !b.probing
	}
	return false
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.openCycles = 0
	b.probing = false
	b.window = nil
}

// FailureRate returns the failure share of the sliding outcome window,
// or 0 when the window is empty.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.window) == 0 {
		return 0
	}
	failed := 0
	for _, f := range b.window {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(b.window))
}
