package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hindsight/internal/breaker"
	"hindsight/internal/config"
	"hindsight/internal/model"
)

// Wayback lists captures from the Internet Archive CDX server and fetches
// archived bodies from the replay endpoint.
type Wayback struct {
	cfg      model.SourceConfig
	cdxURL   string
	client   *http.Client
	listCB   *breaker.Breaker
	fetchCB  *breaker.Breaker
}

// NewWayback constructs the Wayback strategy from server configuration.
func NewWayback(sc config.SourceConfig, bc config.BreakerConfig) *Wayback {
	listCB, fetchCB := newBreakerPair(bc)
	return &Wayback{
		cfg:     sourceConfigFromServer(sc),
		cdxURL:  sc.BaseURL,
		client:  &http.Client{Timeout: time.Duration(sc.TimeoutSeconds) * time.Second},
		listCB:  listCB,
		fetchCB: fetchCB,
	}
}

func (w *Wayback) Name() model.ArchiveSource        { return model.SourceWayback }
func (w *Wayback) Config() model.SourceConfig       { return w.cfg }
func (w *Wayback) ListBreaker() *breaker.Breaker    { return w.listCB }
func (w *Wayback) FetchBreaker() *breaker.Breaker   { return w.fetchCB }

// cdxMatchType maps a target match type onto the CDX server's matchType
// parameter.
func cdxMatchType(mt model.MatchType) string {
	switch mt {
	case model.MatchSubdomain:
		return "domain"
	case model.MatchPrefix:
		return "prefix"
	default:
		return "host"
	}
}

func (w *Wayback) listURL(opts ListOptions, resumeKey string) string {
	target := opts.Domain
	if opts.MatchType == model.MatchPrefix && opts.URLPath != "" {
		target = opts.Domain + "/" + strings.TrimPrefix(opts.URLPath, "/")
	}

	q := url.Values{}
	q.Set("url", target)
	q.Set("matchType", cdxMatchType(opts.MatchType))
	q.Set("from", opts.FromDate)
	q.Set("to", opts.ToDate)
	q.Set("output", "json")
	q.Set("limit", strconv.Itoa(w.cfg.PageSize))
	q.Set("showResumeKey", "true")
	q.Set("filter", "statuscode:[23]..")
	if resumeKey != "" {
		q.Set("resumeKey", resumeKey)
	}
	return w.cdxURL + "?" + q.Encode()
}

// ListCaptures pages through the CDX listing with the resume key until the
// listing is exhausted or max_pages is reached.
func (w *Wayback) ListCaptures(ctx context.Context, opts ListOptions) ([]model.CaptureRecord, ListStats, error) {
	started := time.Now()
	var records []model.CaptureRecord
	var stats ListStats
	resumeKey := ""

	for page := 0; w.cfg.MaxPages == 0 || page < w.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		pageRecords, nextKey, err := w.listPage(ctx, opts, resumeKey)
		if err != nil {
			return nil, stats, err
		}
		stats.PagesFetched++
		records = append(records, pageRecords...)

		if nextKey == "" {
			break
		}
		resumeKey = nextKey
	}

	records, dropped := dedupeAndSort(records)
	stats.Records = len(records)
	stats.Deduplicated = dropped
	stats.Duration = time.Since(started)
	return records, stats, nil
}

func (w *Wayback) listPage(ctx context.Context, opts ListOptions, resumeKey string) ([]model.CaptureRecord, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.listURL(opts, resumeKey), nil)
	if err != nil {
		return nil, "", permanentError(model.SourceWayback, 0, err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", classifyTransport(model.SourceWayback, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(model.SourceWayback, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransport(model.SourceWayback, err)
	}

	return w.parseCDX(body, opts)
}

// parseCDX decodes the CDX JSON shape: a header row, data rows, and when a
// resume key is present, an empty row followed by a single-element row
// carrying the key.
func (w *Wayback) parseCDX(body []byte, opts ListOptions) ([]model.CaptureRecord, string, error) {
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, "", permanentError(model.SourceWayback, 0, fmt.Errorf("malformed CDX response: %w", err))
	}
	if len(rows) == 0 {
		return nil, "", nil
	}

	header := rows[0]
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	for _, field := range []string{"timestamp", "original", "mimetype", "statuscode", "digest", "length"} {
		if _, ok := idx[field]; !ok {
			return nil, "", permanentError(model.SourceWayback, 0, fmt.Errorf("CDX header missing %q", field))
		}
	}

	resumeKey := ""
	dataRows := rows[1:]
	// Trailing [] + [key] means more pages remain.
	if n := len(dataRows); n >= 2 && len(dataRows[n-2]) == 0 && len(dataRows[n-1]) == 1 {
		resumeKey = dataRows[n-1][0]
		dataRows = dataRows[:n-2]
	}

	records := make([]model.CaptureRecord, 0, len(dataRows))
	for _, row := range dataRows {
		if len(row) < len(header) {
			continue
		}
		rec := model.CaptureRecord{
			Timestamp:   row[idx["timestamp"]],
			OriginalURL: row[idx["original"]],
			MimeType:    strings.ToLower(row[idx["mimetype"]]),
			StatusCode:  row[idx["statuscode"]],
			Digest:      row[idx["digest"]],
		}
		if v, err := strconv.ParseInt(row[idx["length"]], 10, 64); err == nil {
			rec.Length = v
		}
		if !timestampInWindow(rec.Timestamp, opts.FromDate, opts.ToDate) {
			continue
		}
		if !mimeAllowed(rec.MimeType, opts.IncludeAttachments && w.cfg.IncludeAttachments) {
			continue
		}
		if HasExcludedExtension(rec.OriginalURL) {
			continue
		}
		records = append(records, rec)
	}
	return records, resumeKey, nil
}

// FetchCaptureBytes retrieves the raw archived body from the replay
// endpoint. The id_ flag asks for the original bytes without the replay
// toolbar rewriting.
func (w *Wayback) FetchCaptureBytes(ctx context.Context, rec model.CaptureRecord) ([]byte, http.Header, error) {
	replayURL := fmt.Sprintf("https://web.archive.org/web/%sid_/%s", rec.Timestamp, rec.OriginalURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, replayURL, nil)
	if err != nil {
		return nil, nil, permanentError(model.SourceWayback, 0, err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransport(model.SourceWayback, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, ErrNotCaptured
	case resp.StatusCode != http.StatusOK:
		return nil, nil, classifyStatus(model.SourceWayback, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, classifyTransport(model.SourceWayback, err)
	}
	return body, resp.Header, nil
}
