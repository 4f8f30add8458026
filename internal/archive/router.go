package archive

import (
	"context"
	"errors"
	"sort"
	"time"

	"hindsight/internal/model"
)

// Policy is the resolved archive policy the router executes for one query.
type Policy struct {
	Source             model.ArchiveSource
	FallbackEnabled    bool
	FallbackStrategy   model.FallbackStrategy
	FallbackDelay      time.Duration
	ExponentialBackoff bool
	MaxFallbackDelay   time.Duration
	CompletionMerge    bool
	// PerSource overrides the strategy-level enabled/priority/attachment
	// settings for this project.
	PerSource map[model.ArchiveSource]model.SourceConfig
}

// QueryStats describes how a router query was satisfied.
type QueryStats struct {
	PrimarySource    model.ArchiveSource `json:"primary_source"`
	SuccessfulSource model.ArchiveSource `json:"successful_source"`
	FallbackUsed     bool                `json:"fallback_used"`
	Merged           bool                `json:"merged"`
	Attempts         []Attempt           `json:"attempts"`
}

// Router selects between archive sources per project policy, with retries,
// fallback, and per-source circuit breakers.
type Router struct {
	strategies map[model.ArchiveSource]Strategy
	metrics    *Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a router over the given strategies.
func NewRouter(metrics *Metrics, strategies ...Strategy) *Router {
	m := make(map[model.ArchiveSource]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.Name()] = s
	}
	return &Router{strategies: m, metrics: metrics, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Strategy returns the registered strategy for a source, if any.
func (r *Router) Strategy(source model.ArchiveSource) (Strategy, bool) {
	s, ok := r.strategies[source]
	return s, ok
}

// Sources returns all registered sources sorted by configured priority.
func (r *Router) Sources() []model.ArchiveSource {
	out := make([]model.ArchiveSource, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.strategies[out[i]].Config().Priority < r.strategies[out[j]].Config().Priority
	})
	return out
}

// resolveOrder turns the policy into the ordered source list, skipping
// disabled sources.
func (r *Router) resolveOrder(p Policy) []model.ArchiveSource {
	enabled := func(source model.ArchiveSource) bool {
		if sc, ok := p.PerSource[source]; ok {
			return sc.Enabled
		}
		s, ok := r.strategies[source]
		return ok && s.Config().Enabled
	}
	priority := func(source model.ArchiveSource) int {
		if sc, ok := p.PerSource[source]; ok && sc.Priority > 0 {
			return sc.Priority
		}
		if s, ok := r.strategies[source]; ok {
			return s.Config().Priority
		}
		return 100
	}

	var order []model.ArchiveSource
	switch p.Source {
	case model.SourceWayback:
		order = []model.ArchiveSource{model.SourceWayback}
		if p.FallbackEnabled {
			order = append(order, model.SourceCommonCrawl)
		}
	case model.SourceCommonCrawl:
		order = []model.ArchiveSource{model.SourceCommonCrawl}
		if p.FallbackEnabled {
			order = append(order, model.SourceWayback)
		}
	case model.SourceHybrid:
		order = r.Sources()
		sort.SliceStable(order, func(i, j int) bool {
			pi, pj := priority(order[i]), priority(order[j])
			if pi != pj {
				return pi < pj
			}
			// Healthier source first on priority ties.
			return r.healthRank(order[i]) < r.healthRank(order[j])
		})
	}

	out := order[:0]
	for _, s := range order {
		if enabled(s) {
			out = append(out, s)
		}
	}
	return out
}

// healthRank orders sources by breaker state: closed < half_open < open.
func (r *Router) healthRank(source model.ArchiveSource) int {
	s, ok := r.strategies[source]
	if !ok {
		return 3
	}
	switch s.ListBreaker().State() {
	case "closed":
		return 0
	case "half_open":
		return 1
	default:
		return 2
	}
}

// Query obtains the deduplicated capture stream for a target under the
// given policy. An empty result is a success; AllSourcesFailed is returned
// only when every source in the order was exhausted.
func (r *Router) Query(ctx context.Context, p Policy, opts ListOptions) ([]model.CaptureRecord, QueryStats, error) {
	order := r.resolveOrder(p)
	stats := QueryStats{}
	if len(order) == 0 {
		return nil, stats, &AllSourcesFailed{}
	}
	stats.PrimarySource = order[0]

	for i, source := range order {
		strategy := r.strategies[source]
		effOpts := opts
		if sc, ok := p.PerSource[source]; ok && !sc.IncludeAttachments {
			effOpts.IncludeAttachments = false
		}

		records, err := r.querySource(ctx, p, strategy, effOpts, &stats)
		if err == nil {
			stats.SuccessfulSource = source
			stats.FallbackUsed = i > 0

			// Second line of defense: attachments never leak through when
			// the target has them disabled.
			records = dropAttachments(records, effOpts.IncludeAttachments)

			if p.CompletionMerge && strategy.Config().PartialCoverage && i+1 < len(order) {
				records = r.completionMerge(ctx, p, order[i+1], effOpts, records, &stats)
			}
			return records, stats, nil
		}
		if IsCancelled(err) {
			return nil, stats, err
		}
		var surfaced *sourceSurfaced
		if errors.As(err, &surfaced) {
			return nil, stats, surfaced.err
		}

		if i+1 < len(order) {
			if waitErr := r.sleep(ctx, p.FallbackDelay); waitErr != nil {
				return nil, stats, waitErr
			}
		}
	}

	return nil, stats, &AllSourcesFailed{Attempts: stats.Attempts}
}

// querySource runs one source's listing under its breaker, applying the
// policy's retry behaviour before giving up on the source.
func (r *Router) querySource(ctx context.Context, p Policy, strategy Strategy, opts ListOptions, stats *QueryStats) ([]model.CaptureRecord, error) {
	source := strategy.Name()
	maxRetries := strategy.Config().MaxRetries
	if sc, ok := p.PerSource[source]; ok && sc.MaxRetries > 0 {
		maxRetries = sc.MaxRetries
	}

	delay := p.FallbackDelay
	attemptsAllowed := 1
	if p.FallbackStrategy == model.FallbackRetryThenFallback {
		attemptsAllowed = maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attemptsAllowed; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
			if p.ExponentialBackoff {
				delay *= 2
				if delay > p.MaxFallbackDelay {
					delay = p.MaxFallbackDelay
				}
			}
		}

		started := time.Now()
		var records []model.CaptureRecord
		var listStats ListStats
		err := strategy.ListBreaker().Execute(func() error {
			var listErr error
			records, listStats, listErr = strategy.ListCaptures(ctx, opts)
			return listErr
		})

		at := Attempt{
			Source:   source,
			Success:  err == nil,
			Duration: time.Since(started),
			Records:  len(records),
		}
		if err != nil {
			at.ErrorType = errorType(err)
			at.Error = err.Error()
		}
		stats.Attempts = append(stats.Attempts, at)
		if r.metrics != nil {
			r.metrics.RecordList(source, err, listStats.Records, at.Duration)
		}

		if err == nil {
			return records, nil
		}
		if IsCancelled(err) {
			return nil, err
		}
		lastErr = err

		// Retrying in place only makes sense for retriable source errors.
		if !IsRetriable(err) {
			break
		}
	}

	if !r.shouldFallback(p, lastErr) {
		return nil, &sourceSurfaced{err: lastErr}
	}
	return nil, lastErr
}

// sourceSurfaced marks an error that must be surfaced rather than trigger
// fallback; Query treats it like any other failure but subsequent sources
// are not consulted.
type sourceSurfaced struct{ err error }

func (e *sourceSurfaced) Error() string { return e.err.Error() }
func (e *sourceSurfaced) Unwrap() error { return e.err }

// shouldFallback applies the policy's fallback strategy to a terminal
// source error.
func (r *Router) shouldFallback(p Policy, err error) bool {
	if !p.FallbackEnabled || err == nil {
		return false
	}
	switch p.FallbackStrategy {
	case model.FallbackImmediate:
		return true
	case model.FallbackRetryThenFallback:
		return true
	case model.FallbackCircuitBreaker:
		return IsCircuitOpen(err)
	}
	return false
}

// completionMerge augments a partial-coverage primary result with the next
// source's listing, merged by (original_url, timestamp) and deduplicated by
// digest with the primary winning ties.
func (r *Router) completionMerge(ctx context.Context, p Policy, secondary model.ArchiveSource, opts ListOptions, primary []model.CaptureRecord, stats *QueryStats) []model.CaptureRecord {
	strategy, ok := r.strategies[secondary]
	if !ok {
		return primary
	}

	extra, err := r.querySource(ctx, p, strategy, opts, stats)
	if err != nil {
		// Merge is best-effort; the primary result stands on its own.
		return primary
	}
	stats.Merged = true

	type mergeKey struct{ url, ts string }
	seen := make(map[mergeKey]bool, len(primary))
	digests := make(map[string]bool, len(primary))
	for _, rec := range primary {
		seen[mergeKey{rec.OriginalURL, rec.Timestamp}] = true
		digests[rec.Digest] = true
	}
	for _, rec := range extra {
		if seen[mergeKey{rec.OriginalURL, rec.Timestamp}] || digests[rec.Digest] {
			continue
		}
		primary = append(primary, rec)
	}
	merged, _ := dedupeAndSort(primary)
	return merged
}

func dropAttachments(records []model.CaptureRecord, includeAttachments bool) []model.CaptureRecord {
	if includeAttachments {
		return records
	}
	out := records[:0]
	for _, rec := range records {
		if IsAttachmentMime(rec.MimeType) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
