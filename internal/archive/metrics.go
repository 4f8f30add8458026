package archive

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"hindsight/internal/model"
)

// SourceStats is the exported per-source counter block for the metrics
// endpoint.
type SourceStats struct {
	Total           int64            `json:"total"`
	Successful      int64            `json:"successful"`
	Failed          int64            `json:"failed"`
	AvgResponseSecs float64          `json:"avg_response_seconds"`
	TotalRecords    int64            `json:"total_records"`
	ErrorCounts     map[string]int64 `json:"error_counts"`
	LastSuccess     *time.Time       `json:"last_success,omitempty"`
	LastFailure     *time.Time       `json:"last_failure,omitempty"`
}

type sourceCounters struct {
	total        int64
	successful   int64
	failed       int64
	durationSum  time.Duration
	totalRecords int64
	errorCounts  map[string]int64
	lastSuccess  time.Time
	lastFailure  time.Time
}

// Metrics accumulates per-source request counters. It is in-memory only,
// mirroring the process-wide HTTP metrics.
type Metrics struct {
	mu      sync.Mutex
	sources map[model.ArchiveSource]*sourceCounters
	now     func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		sources: make(map[model.ArchiveSource]*sourceCounters),
		now:     time.Now,
	}
}

func (m *Metrics) counters(source model.ArchiveSource) *sourceCounters {
	c, ok := m.sources[source]
	if !ok {
		c = &sourceCounters{errorCounts: make(map[string]int64)}
		m.sources[source] = c
	}
	return c
}

// RecordList records the outcome of one listing call against a source.
func (m *Metrics) RecordList(source model.ArchiveSource, err error, records int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters(source)
	c.total++
	c.durationSum += duration
	if err == nil {
		c.successful++
		c.totalRecords += int64(records)
		c.lastSuccess = m.now()
		return
	}
	c.failed++
	c.lastFailure = m.now()

	label := errorType(err)
	var se *SourceError
	if errors.As(err, &se) && se.StatusCode > 0 {
		label = strconv.Itoa(se.StatusCode)
	}
	c.errorCounts[label]++
}

// RecordFetch records the outcome of a capture byte fetch.
func (m *Metrics) RecordFetch(source model.ArchiveSource, err error, duration time.Duration) {
	// Fetches share the same counter block; a dedicated split has not been
	// needed by any consumer yet.
	m.RecordList(source, err, 0, duration)
}

// Snapshot returns the per-source stats keyed by source name.
func (m *Metrics) Snapshot() map[model.ArchiveSource]SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[model.ArchiveSource]SourceStats, len(m.sources))
	for source, c := range m.sources {
		st := SourceStats{
			Total:        c.total,
			Successful:   c.successful,
			Failed:       c.failed,
			TotalRecords: c.totalRecords,
			ErrorCounts:  make(map[string]int64, len(c.errorCounts)),
		}
		if c.total > 0 {
			st.AvgResponseSecs = c.durationSum.Seconds() / float64(c.total)
		}
		for k, v := range c.errorCounts {
			st.ErrorCounts[k] = v
		}
		if !c.lastSuccess.IsZero() {
			t := c.lastSuccess
			st.LastSuccess = &t
		}
		if !c.lastFailure.IsZero() {
			t := c.lastFailure
			st.LastFailure = &t
		}
		out[source] = st
	}
	return out
}

// SuccessRate returns the success share for a source, or 1 when the source
// has not been called yet.
func (m *Metrics) SuccessRate(source model.ArchiveSource) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sources[source]
	if !ok || c.total == 0 {
		return 1
	}
	return float64(c.successful) / float64(c.total)
}

// Reset clears all counters. Breaker state is owned by the strategies and
// is unaffected.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = make(map[model.ArchiveSource]*sourceCounters)
}
