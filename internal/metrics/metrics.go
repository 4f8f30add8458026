package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry accumulates process-wide counters and renders them in Prometheus
// text exposition format. It is in-memory only; a scrape after restart
// starts from zero, which Prometheus handles via counter resets.
type Registry struct {
	mu       sync.Mutex
	started  time.Time
	requests map[requestKey]*requestCounters
	jobs     map[jobKey]int64
	gauges   map[string]float64
}

type requestKey struct {
	method string
	route  string
	status int
}

type requestCounters struct {
	count       int64
	durationSum time.Duration
}

type jobKey struct {
	jobType string
	outcome string
}

func NewRegistry() *Registry {
	return &Registry{
		started:  time.Now(),
		requests: map[requestKey]*requestCounters{},
		jobs:     map[jobKey]int64{},
		gauges:   map[string]float64{},
	}
}

// RecordRequest counts one finished HTTP request against its route pattern.
func (r *Registry) RecordRequest(method, route string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := requestKey{method: method, route: route, status: status}
	c, ok := r.requests[key]
	if !ok {
		c = &requestCounters{}
		r.requests[key] = c
	}
	c.count++
	c.durationSum += duration
}

// RecordJob counts one job outcome: completed, retried, dead, cancelled.
func (r *Registry) RecordJob(jobType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobKey{jobType: jobType, outcome: outcome}]++
}

// SetGauge records a point-in-time value, overwriting the previous one.
// Used for queue depths, intent backlog, and consistency score.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[gaugeSeries(name, labels)] = value
}

func gaugeSeries(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Render emits all series in Prometheus text format, sorted for stable
// scrapes and tests.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP hindsight_uptime_seconds Process uptime.\n")
	b.WriteString("# TYPE hindsight_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "hindsight_uptime_seconds %.0f\n", time.Since(r.started).Seconds())

	if len(r.requests) > 0 {
		b.WriteString("# HELP hindsight_http_requests_total HTTP requests by route and status.\n")
		b.WriteString("# TYPE hindsight_http_requests_total counter\n")
		lines := make([]string, 0, len(r.requests)*2)
		durations := make([]string, 0, len(r.requests))
		for key, c := range r.requests {
			lines = append(lines, fmt.Sprintf(
				"hindsight_http_requests_total{method=%q,route=%q,status=\"%d\"} %d",
				key.method, key.route, key.status, c.count))
			durations = append(durations, fmt.Sprintf(
				"hindsight_http_request_duration_seconds_sum{method=%q,route=%q,status=\"%d\"} %f",
				key.method, key.route, key.status, c.durationSum.Seconds()))
		}
		sort.Strings(lines)
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("# HELP hindsight_http_request_duration_seconds_sum Summed request duration by route.\n")
		b.WriteString("# TYPE hindsight_http_request_duration_seconds_sum counter\n")
		sort.Strings(durations)
		for _, line := range durations {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	if len(r.jobs) > 0 {
		b.WriteString("# HELP hindsight_jobs_total Job outcomes by type.\n")
		b.WriteString("# TYPE hindsight_jobs_total counter\n")
		lines := make([]string, 0, len(r.jobs))
		for key, n := range r.jobs {
			lines = append(lines, fmt.Sprintf(
				"hindsight_jobs_total{type=%q,outcome=%q} %d", key.jobType, key.outcome, n))
		}
		sort.Strings(lines)
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	if len(r.gauges) > 0 {
		lines := make([]string, 0, len(r.gauges))
		for series, v := range r.gauges {
			lines = append(lines, fmt.Sprintf("%s %g", series, v))
		}
		sort.Strings(lines)
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return b.String()
}
