package archive

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hindsight/internal/model"
)

// FetchResult carries the archived bytes plus which source served them.
type FetchResult struct {
	Body        []byte
	Headers     http.Header
	FetchedFrom model.ArchiveSource
}

// Fetcher retrieves archived bytes for a capture, preferring the source
// that produced the record and walking the router order on NotCaptured.
type Fetcher struct {
	router  *Router
	metrics *Metrics
}

func NewFetcher(router *Router, metrics *Metrics) *Fetcher {
	return &Fetcher{router: router, metrics: metrics}
}

// Fetch runs the capture fetch under each candidate source's fetch breaker.
// Sources that report NotCaptured or CircuitOpen are skipped in favour of
// the next candidate; other errors surface immediately.
func (f *Fetcher) Fetch(ctx context.Context, rec model.CaptureRecord, origin model.ArchiveSource) (*FetchResult, error) {
	order := f.order(origin)

	var lastErr error = ErrNotCaptured
	for _, source := range order {
		strategy, ok := f.router.Strategy(source)
		if !ok || !strategy.Config().Enabled {
			continue
		}

		started := time.Now()
		var body []byte
		var headers http.Header
		err := strategy.FetchBreaker().Execute(func() error {
			var fetchErr error
			body, headers, fetchErr = strategy.FetchCaptureBytes(ctx, rec)
			return fetchErr
		})
		if f.metrics != nil {
			f.metrics.RecordFetch(source, err, time.Since(started))
		}

		if err == nil {
			return &FetchResult{Body: body, Headers: headers, FetchedFrom: source}, nil
		}
		if IsCancelled(err) {
			return nil, err
		}
		if errors.Is(err, ErrNotCaptured) || IsCircuitOpen(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// order puts the originating source first, then the remaining sources in
// router priority order.
func (f *Fetcher) order(origin model.ArchiveSource) []model.ArchiveSource {
	all := f.router.Sources()
	out := make([]model.ArchiveSource, 0, len(all))
	if _, ok := f.router.Strategy(origin); ok {
		out = append(out, origin)
	}
	for _, s := range all {
		if s != origin {
			out = append(out, s)
		}
	}
	return out
}
