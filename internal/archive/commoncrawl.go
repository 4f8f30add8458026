package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
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

// CommonCrawl lists captures from a Common Crawl index collection and
// fetches bodies by WARC range reads from the data bucket.
type CommonCrawl struct {
	cfg        model.SourceConfig
	indexURL   string
	collection string
	dataURL    string
	client     *http.Client
	listCB     *breaker.Breaker
	fetchCB    *breaker.Breaker
}

// NewCommonCrawl constructs the Common Crawl strategy from server
// configuration. collection names a crawl index like CC-MAIN-2024-10.
func NewCommonCrawl(sc config.SourceConfig, bc config.BreakerConfig) *CommonCrawl {
	listCB, fetchCB := newBreakerPair(bc)
	return &CommonCrawl{
		cfg:        sourceConfigFromServer(sc),
		indexURL:   sc.BaseURL,
		collection: sc.Collection,
		dataURL:    "https://data.commoncrawl.org",
		client:     &http.Client{Timeout: time.Duration(sc.TimeoutSeconds) * time.Second},
		listCB:     listCB,
		fetchCB:    fetchCB,
	}
}

func (c *CommonCrawl) Name() model.ArchiveSource      { return model.SourceCommonCrawl }
func (c *CommonCrawl) Config() model.SourceConfig     { return c.cfg }
func (c *CommonCrawl) ListBreaker() *breaker.Breaker  { return c.listCB }
func (c *CommonCrawl) FetchBreaker() *breaker.Breaker { return c.fetchCB }

// ccRecord is one JSONL line from the index API. Numeric fields arrive as
// strings.
type ccRecord struct {
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Mime      string `json:"mime"`
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Length    string `json:"length"`
	Offset    string `json:"offset"`
	Filename  string `json:"filename"`
}

func (c *CommonCrawl) queryPattern(opts ListOptions) string {
	switch opts.MatchType {
	case model.MatchSubdomain:
		return "*." + opts.Domain
	case model.MatchPrefix:
		return opts.Domain + "/" + strings.TrimPrefix(opts.URLPath, "/") + "*"
	default:
		return opts.Domain + "/*"
	}
}

func (c *CommonCrawl) listURL(opts ListOptions, page int) string {
	q := url.Values{}
	q.Set("url", c.queryPattern(opts))
	q.Set("output", "json")
	q.Set("from", opts.FromDate)
	q.Set("to", opts.ToDate)
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	q.Set("page", strconv.Itoa(page))
	return fmt.Sprintf("%s/%s-index?%s", c.indexURL, c.collection, q.Encode())
}

// ListCaptures pages through the index with numbered pages. The index
// signals the end of the listing with 404 on out-of-range pages.
func (c *CommonCrawl) ListCaptures(ctx context.Context, opts ListOptions) ([]model.CaptureRecord, ListStats, error) {
	started := time.Now()
	var records []model.CaptureRecord
	var stats ListStats

	for page := 0; c.cfg.MaxPages == 0 || page < c.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		pageRecords, done, err := c.listPage(ctx, opts, page)
		if err != nil {
			return nil, stats, err
		}
		stats.PagesFetched++
		records = append(records, pageRecords...)
		if done {
			break
		}
	}

	records, dropped := dedupeAndSort(records)
	stats.Records = len(records)
	stats.Deduplicated = dropped
	stats.Duration = time.Since(started)
	return records, stats, nil
}

func (c *CommonCrawl) listPage(ctx context.Context, opts ListOptions, page int) ([]model.CaptureRecord, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL(opts, page), nil)
	if err != nil {
		return nil, false, permanentError(model.SourceCommonCrawl, 0, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, classifyTransport(model.SourceCommonCrawl, err)
	}
	defer resp.Body.Close()

	// The index returns 404 both for an unknown URL pattern and for a page
	// past the end of the listing; both mean "no more results".
	if resp.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, classifyStatus(model.SourceCommonCrawl, resp.StatusCode)
	}

	var records []model.CaptureRecord
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lines := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++

		var cr ccRecord
		if err := json.Unmarshal(line, &cr); err != nil {
			return nil, false, permanentError(model.SourceCommonCrawl, 0, fmt.Errorf("malformed index line: %w", err))
		}

		rec := model.CaptureRecord{
			Timestamp:   cr.Timestamp,
			OriginalURL: cr.URL,
			MimeType:    strings.ToLower(cr.Mime),
			StatusCode:  cr.Status,
			Digest:      cr.Digest,
		}
		if v, err := strconv.ParseInt(cr.Length, 10, 64); err == nil {
			rec.Length = v
		}
		if !timestampInWindow(rec.Timestamp, opts.FromDate, opts.ToDate) {
			continue
		}
		if !mimeAllowed(rec.MimeType, opts.IncludeAttachments && c.cfg.IncludeAttachments) {
			continue
		}
		if HasExcludedExtension(rec.OriginalURL) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, classifyTransport(model.SourceCommonCrawl, err)
	}

	// A short page means the listing is exhausted.
	return records, lines < c.cfg.PageSize, nil
}

// warcLocator keys a fetch back to the WARC segment a capture lives in.
// The index strategy stashes these per (url, timestamp) during listing so
// fetches can range-read the exact record.
type warcLocator struct {
	Filename string
	Offset   int64
	Length   int64
}

// FetchCaptureBytes re-resolves the capture against the index (captures are
// listed and fetched in separate jobs, so the locator is not carried on the
// record) and range-reads the WARC segment from the data bucket.
func (c *CommonCrawl) FetchCaptureBytes(ctx context.Context, rec model.CaptureRecord) ([]byte, http.Header, error) {
	loc, err := c.resolveLocator(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dataURL+"/"+loc.Filename, nil)
	if err != nil {
		return nil, nil, permanentError(model.SourceCommonCrawl, 0, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", loc.Offset, loc.Offset+loc.Length-1))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransport(model.SourceCommonCrawl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, nil, classifyStatus(model.SourceCommonCrawl, resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, nil, permanentError(model.SourceCommonCrawl, 0, fmt.Errorf("warc segment not gzip: %w", err))
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, nil, classifyTransport(model.SourceCommonCrawl, err)
	}

	body, headers, err := splitWARCResponse(raw)
	if err != nil {
		return nil, nil, permanentError(model.SourceCommonCrawl, 0, err)
	}
	return body, headers, nil
}

// resolveLocator asks the index for the exact (url, timestamp) capture to
// recover the WARC filename/offset/length triple.
func (c *CommonCrawl) resolveLocator(ctx context.Context, rec model.CaptureRecord) (warcLocator, error) {
	q := url.Values{}
	q.Set("url", rec.OriginalURL)
	q.Set("output", "json")
	q.Set("from", rec.Timestamp)
	q.Set("to", rec.Timestamp)
	q.Set("limit", "1")

	reqURL := fmt.Sprintf("%s/%s-index?%s", c.indexURL, c.collection, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return warcLocator{}, permanentError(model.SourceCommonCrawl, 0, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return warcLocator{}, classifyTransport(model.SourceCommonCrawl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return warcLocator{}, ErrNotCaptured
	}
	if resp.StatusCode != http.StatusOK {
		return warcLocator{}, classifyStatus(model.SourceCommonCrawl, resp.StatusCode)
	}

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return warcLocator{}, classifyTransport(model.SourceCommonCrawl, err)
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return warcLocator{}, ErrNotCaptured
	}

	var cr ccRecord
	if err := json.Unmarshal(line, &cr); err != nil {
		return warcLocator{}, permanentError(model.SourceCommonCrawl, 0, fmt.Errorf("malformed index line: %w", err))
	}
	offset, err1 := strconv.ParseInt(cr.Offset, 10, 64)
	length, err2 := strconv.ParseInt(cr.Length, 10, 64)
	if err1 != nil || err2 != nil || cr.Filename == "" {
		return warcLocator{}, permanentError(model.SourceCommonCrawl, 0, fmt.Errorf("index record missing warc locator"))
	}
	return warcLocator{Filename: cr.Filename, Offset: offset, Length: length}, nil
}

// splitWARCResponse strips the WARC record header and the embedded HTTP
// response header from a decompressed response record, returning the HTTP
// body and parsed headers.
func splitWARCResponse(raw []byte) ([]byte, http.Header, error) {
	// WARC header ends at the first blank line, the HTTP header at the
	// second.
	rest, ok := cutAfterBlankLine(raw)
	if !ok {
		return nil, nil, fmt.Errorf("warc record missing header separator")
	}
	body, ok := cutAfterBlankLine(rest)
	if !ok {
		// Some records carry only a body (e.g. revisit records).
		return rest, http.Header{}, nil
	}

	headers := http.Header{}
	for _, line := range strings.Split(string(rest[:len(rest)-len(body)]), "\r\n") {
		if i := strings.Index(line, ":"); i > 0 {
			headers.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
		}
	}
	return body, headers, nil
}

func cutAfterBlankLine(b []byte) ([]byte, bool) {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return b[i+4:], true
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return b[i+2:], true
	}
	return nil, false
}
