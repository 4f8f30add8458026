package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hindsight/internal/breaker"
	"hindsight/internal/config"
)

var (
	errNoContent = errors.New("no extractable content")

	// ErrAllStrategiesFailed means every tier either errored or produced
	// nothing; there is no degraded result to fall back to.
	ErrAllStrategiesFailed = errors.New("all extraction strategies failed")
)

// AttemptRecord captures one tier's outcome for the page audit trail.
type AttemptRecord struct {
	Strategy   string        `json:"strategy"`
	Accepted   bool          `json:"accepted"`
	Confidence float64       `json:"confidence"`
	WordCount  int           `json:"word_count"`
	Duration   time.Duration `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// Extraction is the accepted (or degraded) output of the tiered run.
type Extraction struct {
	*Result
	Degraded bool
	Attempts []AttemptRecord
}

// Tiered runs extraction strategies in quality order, accepting the first
// result that clears the confidence and word thresholds. Each strategy has
// its own circuit breaker so a systematically failing tier is skipped
// without burning its timeout on every page.
type Tiered struct {
	cfg        config.ExtractConfig
	strategies []Strategy
	breakers   map[string]*breaker.Breaker
	sem        chan struct{}
	log        *slog.Logger

	mu    sync.Mutex
	stats map[string]*StrategyStats
}

// StrategyStats aggregates per-tier outcomes for the health endpoint.
type StrategyStats struct {
	Attempts    int64         `json:"attempts"`
	Accepted    int64         `json:"accepted"`
	Failed      int64         `json:"failed"`
	DurationSum time.Duration `json:"-"`
}

// NewTiered builds the default trafilatura > newspaper > beautifulsoup
// chain.
func NewTiered(cfg config.ExtractConfig, log *slog.Logger) *Tiered {
	return NewTieredWith(cfg, log, NewTrafilatura(), NewNewspaper(), NewBeautifulSoup())
}

// NewTieredWith builds a chain over explicit strategies, in order.
func NewTieredWith(cfg config.ExtractConfig, log *slog.Logger, strategies ...Strategy) *Tiered {
	bcfg := breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		BaseTimeout:        time.Duration(cfg.Breaker.BaseTimeoutSeconds) * time.Second,
		MaxTimeout:         time.Duration(cfg.Breaker.MaxTimeoutSeconds) * time.Second,
		ExponentialBackoff: cfg.Breaker.ExponentialBackoff,
		SlidingWindowSize:  cfg.Breaker.SlidingWindowSize,
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	t := &Tiered{
		cfg:        cfg,
		strategies: strategies,
		breakers:   make(map[string]*breaker.Breaker, len(strategies)),
		sem:        make(chan struct{}, maxConcurrent),
		log:        log,
		stats:      make(map[string]*StrategyStats, len(strategies)),
	}
	for _, s := range strategies {
		t.breakers[s.Name()] = breaker.New(bcfg)
		t.stats[s.Name()] = &StrategyStats{}
	}
	return t
}

// Extract runs the tier chain for one page body. The best rejected result
// is returned as a degraded extraction when no tier clears the thresholds
// but the best still carries at least half the word minimum; anything
// shorter fails outright.
func (t *Tiered) Extract(ctx context.Context, body []byte, sourceURL string) (*Extraction, error) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	threshold := t.cfg.AcceptThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	minWords := t.cfg.MinWords
	if minWords <= 0 {
		minWords = 20
	}
	timeout := time.Duration(t.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var attempts []AttemptRecord
	var best *Result

	for _, s := range t.strategies {
		res, rec := t.runStrategy(ctx, s, body, sourceURL, timeout)
		attempts = append(attempts, rec)
		if res == nil {
			continue
		}
		if res.Confidence >= threshold && res.WordCount >= minWords {
			attempts[len(attempts)-1].Accepted = true
			t.markAccepted(s.Name())
			return &Extraction{Result: res, Attempts: attempts}, nil
		}
		if best == nil || res.Confidence > best.Confidence {
			best = res
		}
	}

	if best != nil && best.WordCount >= minWords/2 {
		t.log.Warn("extraction degraded",
			"url", sourceURL,
			"method", best.Method,
			"confidence", best.Confidence,
			"word_count", best.WordCount)
		return &Extraction{Result: best, Degraded: true, Attempts: attempts}, nil
	}
	return nil, fmt.Errorf("%w: url=%s", ErrAllStrategiesFailed, sourceURL)
}

func (t *Tiered) runStrategy(ctx context.Context, s Strategy, body []byte, sourceURL string, timeout time.Duration) (*Result, AttemptRecord) {
	rec := AttemptRecord{Strategy: s.Name()}
	start := time.Now()

	var res *Result
	err := t.breakers[s.Name()].Execute(func() error {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var serr error
		res, serr = s.Extract(sctx, body, sourceURL)
		return serr
	})

	rec.Duration = time.Since(start)
	t.record(s.Name(), rec.Duration, err == nil)

	if err != nil {
		rec.Error = err.Error()
		if !errors.Is(err, breaker.ErrOpen) && !errors.Is(err, errNoContent) {
			t.log.Debug("extraction tier failed", "strategy", s.Name(), "url", sourceURL, "error", err)
		}
		return nil, rec
	}
	rec.Confidence = res.Confidence
	rec.WordCount = res.WordCount
	return res, rec
}

func (t *Tiered) record(name string, d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats[name]
	st.Attempts++
	st.DurationSum += d
	if !ok {
		st.Failed++
	}
}

func (t *Tiered) markAccepted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats[name].Accepted++
}

// BreakerStatus exposes per-strategy breaker snapshots for health checks.
func (t *Tiered) BreakerStatus() map[string]breaker.Status {
	out := make(map[string]breaker.Status, len(t.breakers))
	for name, b := range t.breakers {
		out[name] = b.Status()
	}
	return out
}

// Stats returns a copy of the per-strategy counters.
func (t *Tiered) Stats() map[string]StrategyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]StrategyStats, len(t.stats))
	for name, st := range t.stats {
		out[name] = *st
	}
	return out
}
