package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"hindsight/internal/config"
	"hindsight/internal/model"
)

func testWayback(baseURL string) *Wayback {
	return NewWayback(config.SourceConfig{
		Enabled:        true,
		BaseURL:        baseURL,
		TimeoutSeconds: 5,
		PageSize:       3,
		MaxPages:       2,
		Priority:       1,
	}, config.BreakerConfig{FailureThreshold: 100})
}

const cdxHeader = `["urlkey","timestamp","original","mimetype","statuscode","digest","length"]`

func TestParseCDXPage(t *testing.T) {
	w := testWayback("http://cdx.test")
	body := []byte(`[` + cdxHeader + `,
["com,example)/about","20240115093000","https://example.com/about","text/html","200","ABC123","4821"],
["com,example)/logo","20240115093001","https://example.com/logo.png","image/png","200","IMG001","900"],
["com,example)/report","20240115093002","https://example.com/report.pdf","application/pdf","200","PDF001","88210"],
["com,example)/late","20240301000000","https://example.com/late","text/html","200","LATE1","100"]]`)

	opts := ListOptions{FromDate: "20240101", ToDate: "20240131", IncludeAttachments: false}
	records, resume, err := w.parseCDX(body, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resume != "" {
		t.Fatalf("expected no resume key, got %q", resume)
	}

	// The png is extension-excluded, the pdf attachment-gated, and the
	// out-of-window capture dropped.
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %+v", len(records), records)
	}
	rec := records[0]
	if rec.OriginalURL != "https://example.com/about" || rec.Timestamp != "20240115093000" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Length != 4821 || rec.MimeType != "text/html" {
		t.Fatalf("unexpected record fields: %+v", rec)
	}
}

func TestParseCDXAttachmentsEnabled(t *testing.T) {
	w := testWayback("http://cdx.test")
	w.cfg.IncludeAttachments = true
	body := []byte(`[` + cdxHeader + `,
["com,example)/report","20240115093002","https://example.com/report.pdf","application/PDF","200","PDF001","88210"]]`)

	records, _, err := w.parseCDX(body, ListOptions{FromDate: "20240101", ToDate: "20240131", IncludeAttachments: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the pdf to pass, got %d records", len(records))
	}
	if records[0].MimeType != "application/pdf" {
		t.Fatalf("mime must be lowercased: %q", records[0].MimeType)
	}
}

func TestParseCDXResumeKey(t *testing.T) {
	w := testWayback("http://cdx.test")
	body := []byte(`[` + cdxHeader + `,
["com,example)/a","20240115093000","https://example.com/a","text/html","200","A1","100"],
[],
["com%2Cexample%29%2Fa+20240115093000"]]`)

	records, resume, err := w.parseCDX(body, ListOptions{FromDate: "20240101", ToDate: "20240131"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if resume != "com%2Cexample%29%2Fa+20240115093000" {
		t.Fatalf("unexpected resume key: %q", resume)
	}
}

func TestParseCDXMalformed(t *testing.T) {
	w := testWayback("http://cdx.test")
	_, _, err := w.parseCDX([]byte(`<html>not json</html>`), ListOptions{})
	if err == nil {
		t.Fatal("expected error for malformed body")
	}
	if IsRetriable(err) {
		t.Fatal("malformed responses are permanent")
	}
}

func TestListCapturesPaginationBound(t *testing.T) {
	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		pages++
		// Every page claims another one remains; max_pages must stop us.
		rw.Write([]byte(`[` + cdxHeader + `,
["com,example)/p","2024011509300` + string(rune('0'+pages)) + `","https://example.com/p` + string(rune('0'+pages)) + `","text/html","200","D` + string(rune('0'+pages)) + `","100"],
[],
["resume-` + string(rune('0'+pages)) + `"]]`))
	}))
	defer srv.Close()

	w := testWayback(srv.URL)
	records, stats, err := w.ListCaptures(context.Background(), ListOptions{
		Domain: "example.com", MatchType: model.MatchHostExact,
		FromDate: "20240101", ToDate: "20240131",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.PagesFetched != 2 || pages != 2 {
		t.Fatalf("expected max_pages=2 fetches, got %d", pages)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestListCapturesClassifies522(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(522)
	}))
	defer srv.Close()

	w := testWayback(srv.URL)
	_, _, err := w.ListCaptures(context.Background(), ListOptions{
		Domain: "example.com", FromDate: "20240101", ToDate: "20240131",
	})
	if err == nil || !IsRetriable(err) {
		t.Fatalf("522 must classify as retriable, got %v", err)
	}
}
