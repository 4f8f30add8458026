package archive

import (
	"context"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"hindsight/internal/breaker"
	"hindsight/internal/config"
	"hindsight/internal/model"
)

// ListOptions narrows a capture listing to a target's window.
type ListOptions struct {
	Domain             string
	MatchType          model.MatchType
	URLPath            string
	FromDate           string // YYYYMMDD
	ToDate             string // YYYYMMDD
	IncludeAttachments bool
}

// ListStats summarizes a single listing call.
type ListStats struct {
	PagesFetched int
	Records      int
	Deduplicated int
	Duration     time.Duration
}

// Strategy is the capability set every archive source implements. New
// sources are added by implementing Strategy and registering a priority.
type Strategy interface {
	Name() model.ArchiveSource
	// ListCaptures returns the captures for the window in deterministic
	// (original_url, timestamp) order. Pagination is bounded by the
	// source config's max_pages x page_size.
	ListCaptures(ctx context.Context, opts ListOptions) ([]model.CaptureRecord, ListStats, error)
	// FetchCaptureBytes retrieves the archived body for a capture.
	FetchCaptureBytes(ctx context.Context, rec model.CaptureRecord) ([]byte, http.Header, error)
	Config() model.SourceConfig
	ListBreaker() *breaker.Breaker
	FetchBreaker() *breaker.Breaker
}

// attachmentMimes are document types that count as attachments; they are
// only listed when the target enables attachments.
var attachmentMimes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                     true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
	"text/plain":      true,
}

// IsAttachmentMime reports whether a lowercased mime type is an allowed
// attachment document type.
func IsAttachmentMime(mime string) bool {
	return attachmentMimes[strings.ToLower(mime)]
}

// mimeAllowed applies the strategy-level mime gate: text/html always, known
// attachment types only when enabled.
func mimeAllowed(mime string, includeAttachments bool) bool {
	m := strings.ToLower(strings.TrimSpace(mime))
	if m == "text/html" || strings.HasPrefix(m, "text/html;") {
		return true
	}
	return includeAttachments && attachmentMimes[m]
}

// excludedExtensions are asset extensions that are never worth a scrape
// page row; captures matching them are dropped before filtering.
var excludedExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".svg": true, ".ico": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
	".mp4": true, ".mp3": true, ".wav": true, ".avi": true, ".mov": true, ".webm": true,
	".zip": true, ".gz": true, ".tar": true, ".rar": true, ".7z": true,
	".exe": true, ".dmg": true, ".iso": true,
}

// HasExcludedExtension reports whether the URL path ends in an asset
// extension that is dropped upstream of the filter.
func HasExcludedExtension(rawURL string) bool {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	return excludedExtensions[ext]
}

// timestampInWindow reports whether a 14-char timestamp falls inside
// [from 000000, to 235959].
func timestampInWindow(ts, from, to string) bool {
	if len(ts) != 14 {
		return false
	}
	return ts >= from+"000000" && ts <= to+"235959"
}

// dedupeAndSort removes in-listing duplicates by (url, timestamp, digest)
// and orders the stream by (original_url asc, timestamp asc). Returns the
// number of duplicates removed.
func dedupeAndSort(records []model.CaptureRecord) ([]model.CaptureRecord, int) {
	type key struct{ url, ts, digest string }
	seen := make(map[key]bool, len(records))
	out := records[:0]
	dropped := 0
	for _, r := range records {
		k := key{r.OriginalURL, r.Timestamp, r.Digest}
		if seen[k] {
			dropped++
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginalURL != out[j].OriginalURL {
			return out[i].OriginalURL < out[j].OriginalURL
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, dropped
}

// newBreakerPair builds the list and fetch breakers for a strategy from the
// shared archive breaker config.
func newBreakerPair(bc config.BreakerConfig) (*breaker.Breaker, *breaker.Breaker) {
	cfg := breaker.Config{
		FailureThreshold:   bc.FailureThreshold,
		SuccessThreshold:   bc.SuccessThreshold,
		BaseTimeout:        time.Duration(bc.BaseTimeoutSeconds) * time.Second,
		MaxTimeout:         time.Duration(bc.MaxTimeoutSeconds) * time.Second,
		ExponentialBackoff: bc.ExponentialBackoff,
		SlidingWindowSize:  bc.SlidingWindowSize,
	}
	return breaker.New(cfg), breaker.New(cfg)
}

// sourceConfigFromServer maps server-wide defaults into the per-source
// model shape used by strategies.
func sourceConfigFromServer(sc config.SourceConfig) model.SourceConfig {
	return model.SourceConfig{
		Enabled:            sc.Enabled,
		TimeoutSeconds:     sc.TimeoutSeconds,
		MaxRetries:         sc.MaxRetries,
		PageSize:           sc.PageSize,
		MaxPages:           sc.MaxPages,
		IncludeAttachments: sc.IncludeAttachments,
		Priority:           sc.Priority,
		PartialCoverage:    sc.PartialCoverage,
	}
}
