package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/config"
	"hindsight/internal/jobs"
	"hindsight/internal/metrics"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// testApp registers a single route whose middleware injects the shared
// Locals the handlers expect, so validation paths can be exercised without
// a database.
func testApp(method, path string, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Add(method, path, func(c *fiber.Ctx) error {
		c.Locals("config", &config.Config{})
		c.Locals("store", (*store.Store)(nil))
		c.Locals("engine", (*jobs.Engine)(nil))
		return handler(c)
	})
	return app
}

func jsonReq(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out ErrorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode error body %q: %v", raw, err)
	}
	return out
}

func TestCreateProjectRejectsUnknownFields(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	req := jsonReq(http.MethodPost, "/v1/projects", `{"name":"news","archive":"wayback_machine"}`)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if !strings.Contains(body.Error, "archive") {
		t.Fatalf("error should name the unknown field, got %q", body.Error)
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	resp, err := app.Test(jsonReq(http.MethodPost, "/v1/projects", `{"name":"  "}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateProjectRejectsMisspelledSource(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	resp, err := app.Test(jsonReq(http.MethodPost, "/v1/projects",
		`{"name":"news","archive_source":"commoncrawl"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if !strings.Contains(body.Error, "common_crawl") {
		t.Fatalf("misspelling should suggest valid spellings, got %q", body.Error)
	}
}

func TestCreateProjectRejectsOutOfRangeConfig(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	cases := []string{
		`{"name":"n","archive_config":{"fallback_delay_seconds":301}}`,
		`{"name":"n","archive_config":{"max_fallback_delay":0}}`,
		`{"name":"n","archive_config":{"wayback_machine":{"priority":0}}}`,
		`{"name":"n","archive_config":{"wayback_machine":{"priority":101}}}`,
		`{"name":"n","archive_config":{"wayback_machine":{"page_size":50}}}`,
		`{"name":"n","archive_config":{"common_crawl":{"timeout_seconds":5}}}`,
		`{"name":"n","archive_config":{"common_crawl":{"timeout_seconds":601}}}`,
		`{"name":"n","archive_config":{"common_crawl":{"max_pages":-1}}}`,
		`{"name":"n","archive_config":{"fallback_strategy":"always"}}`,
	}
	for _, body := range cases {
		resp, err := app.Test(jsonReq(http.MethodPost, "/v1/projects", body), -1)
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestHandlersRejectMalformedIDs(t *testing.T) {
	cases := []struct {
		method  string
		route   string
		target  string
		handler fiber.Handler
	}{
		{fiber.MethodGet, "/v1/projects/:id", "/v1/projects/not-a-uuid", getProjectHandler},
		{fiber.MethodGet, "/v1/sessions/:id", "/v1/sessions/42", getSessionHandler},
		{fiber.MethodGet, "/v1/jobs/:id", "/v1/jobs/xyz", getJobHandler},
		{fiber.MethodDelete, "/v1/jobs/:id", "/v1/jobs/xyz", cancelJobHandler},
	}
	for _, tc := range cases {
		app := testApp(tc.method, tc.route, tc.handler)
		resp, err := app.Test(httptest.NewRequest(tc.method, tc.target, nil), -1)
		if err != nil {
			t.Fatalf("%s %s: app.Test error: %v", tc.method, tc.target, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.method, tc.target, resp.StatusCode)
		}
	}
}

func TestOverrideRejectsUnknownStatus(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/scrape-pages/:id/override", overridePageHandler)

	target := "/v1/scrape-pages/" + uuid.NewString() + "/override"
	resp, err := app.Test(jsonReq(http.MethodPost, target, `{"to_status":"shipped"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateProjectHybridRequiresFallback(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	resp, err := app.Test(jsonReq(http.MethodPost, "/v1/projects",
		`{"name":"n","archive_source":"hybrid","fallback_enabled":false}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %q", body.Code)
	}
}

func TestCreateProjectInlineTargetValidation(t *testing.T) {
	app := testApp(fiber.MethodPost, "/v1/projects", createProjectHandler)

	cases := []string{
		`{"name":"n","targets":[{"domain":"example.org","match_type":"prefix","from_date":"20150101","to_date":"20151231"}]}`,
		`{"name":"n","targets":[{"domain":"example.org","from_date":"20160101","to_date":"20150101"}]}`,
		`{"name":"n","targets":[{"domain":"http://example.org","from_date":"20150101","to_date":"20151231"}]}`,
	}
	for _, body := range cases {
		resp, err := app.Test(jsonReq(http.MethodPost, "/v1/projects", body), -1)
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

// bulkValidationApp runs only the bulk request validation layer, with ids
// supplied inline so no store access is needed.
func bulkValidationApp() *fiber.App {
	app := fiber.New()
	app.Post("/bulk", func(c *fiber.Ctx) error {
		req, _, errResp := resolveBulkRequest(c, nil, uuid.New())
		if req == nil {
			return errResp
		}
		return c.JSON(fiber.Map{"success": true})
	})
	return app
}

func TestBulkActionValidation(t *testing.T) {
	app := bulkValidationApp()

	id := uuid.NewString()
	cases := []string{
		`{"action":"vaporize","page_ids":["` + id + `"]}`,
		`{"action":"update_priority","page_ids":["` + id + `"]}`,
		`{"action":"update_priority","priority":11,"page_ids":["` + id + `"]}`,
		`{"action":"retry"}`,
		`{"action":"retry","page_ids":["` + id + `"],"filters":{"status":["failed"]}}`,
		`{"action":"retry","filters":{"status":["shipped"]}}`,
		`{"action":"retry","filters":{"date_from":"junk"}}`,
	}
	for _, body := range cases {
		resp, err := app.Test(jsonReq(http.MethodPost, "/bulk", body), -1)
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}

	ok := `{"action":"mark_for_processing","page_ids":["` + id + `"]}`
	resp, err := app.Test(jsonReq(http.MethodPost, "/bulk", ok), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid body rejected: %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsBadCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true

	st := &store.Store{}

	app := fiber.New()
	app.Get("/v1/projects", authMiddleware(cfg, st), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	// No Authorization header.
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/projects", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", resp.StatusCode)
	}

	// Wrong key prefix never reaches the store.
	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer sk_12345")
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad prefix: expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareDisabledPassesThrough(t *testing.T) {
	cfg := &config.Config{}
	st := &store.Store{}

	app := fiber.New()
	app.Get("/v1/projects", authMiddleware(cfg, st), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/projects", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthzAndMetricsEndpoints(t *testing.T) {
	cfg := &config.Config{}
	registry := metrics.NewRegistry()
	srv := NewServer(cfg, nil, nil, nil, nil, nil, registry, nil)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "hindsight_uptime_seconds") {
		t.Fatalf("metrics output missing uptime gauge: %q", raw)
	}
	if !strings.Contains(string(raw), "hindsight_http_requests_total") {
		t.Fatalf("metrics output missing request counter after /healthz: %q", raw)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	createdAt := time.Date(2015, 6, 1, 12, 30, 45, 123456789, time.UTC)
	id := uuid.New()

	gotTime, gotID, err := parseCursor(formatCursor(createdAt, id))
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if !gotTime.Equal(createdAt) || gotID != id {
		t.Fatalf("round trip mismatch: %v %v", gotTime, gotID)
	}

	for _, raw := range []string{"", "justtext", "2015-06-01T00:00:00Z", ",abc", "notatime," + id.String()} {
		if _, _, err := parseCursor(raw); err == nil {
			t.Fatalf("cursor %q should not parse", raw)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := map[string]string{
		"20150101":   "20150101",
		"19961215":   "19961215",
		"20240229":   "20240229",
		"2015-01-01": "20150101",
		"1996-12-15": "19961215",
	}
	for in, want := range cases {
		got, ok := normalizeDate(in)
		if !ok || got != want {
			t.Fatalf("normalizeDate(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	invalid := []string{"2015", "20151301", "20150100", "2023-02-29", "20230229", "01-01-2015"}
	for _, d := range invalid {
		if _, ok := normalizeDate(d); ok {
			t.Fatalf("%s should be invalid", d)
		}
	}
}

func TestParseArchiveSource(t *testing.T) {
	if src, err := parseArchiveSource("hybrid"); err != nil || src != model.SourceHybrid {
		t.Fatalf("hybrid: got %v, %v", src, err)
	}
	if _, err := parseArchiveSource("wayback"); err == nil {
		t.Fatal("shorthand spelling should be rejected")
	}
}
