package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/archive"
	"hindsight/internal/breaker"
	"hindsight/internal/config"
	"hindsight/internal/extract"
	"hindsight/internal/filter"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

type fakePipelineStore struct {
	mu sync.Mutex

	projects map[uuid.UUID]*model.Project
	targets  map[uuid.UUID][]*model.Target
	sessions map[uuid.UUID]*model.Session

	inserted  []*model.ScrapePage
	pending   []*model.ScrapePage
	statuses  map[uuid.UUID]model.PageStatus
	lastError map[uuid.UUID]string
	deltas    []model.SessionDeltas
	upserted  []*model.Page
	overrides []uuid.UUID
	links     map[uuid.UUID]uuid.UUID
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{
		projects:  map[uuid.UUID]*model.Project{},
		targets:   map[uuid.UUID][]*model.Target{},
		sessions:  map[uuid.UUID]*model.Session{},
		statuses:  map[uuid.UUID]model.PageStatus{},
		lastError: map[uuid.UUID]string{},
		links:     map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakePipelineStore) GetProject(_ context.Context, id uuid.UUID) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakePipelineStore) GetTarget(_ context.Context, id uuid.UUID) (*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ts := range f.targets {
		for _, t := range ts {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakePipelineStore) ListTargets(_ context.Context, projectID uuid.UUID) ([]*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[projectID], nil
}

func (f *fakePipelineStore) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakePipelineStore) SetSessionState(_ context.Context, id uuid.UUID, state model.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.State = state
	return nil
}

func (f *fakePipelineStore) ApplySessionDeltas(_ context.Context, id uuid.UUID, d model.SessionDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
	if s, ok := f.sessions[id]; ok {
		s.Discovered += d.Discovered
		s.ExtractedOK += d.ExtractedOK
		s.ExtractedFailed += d.ExtractedFailed
	}
	return nil
}

func (f *fakePipelineStore) InsertScrapePages(_ context.Context, pages []*model.ScrapePage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pages {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		f.inserted = append(f.inserted, p)
		if p.Status == model.StatusPending {
			f.pending = append(f.pending, p)
		}
		f.statuses[p.ID] = p.Status
	}
	return len(pages), nil
}

func (f *fakePipelineStore) ClaimPendingPages(_ context.Context, targetID uuid.UUID, limit int) ([]*model.ScrapePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ScrapePage
	var rest []*model.ScrapePage
	for _, p := range f.pending {
		if p.TargetID == targetID && len(out) < limit {
			f.statuses[p.ID] = model.StatusInProgress
			out = append(out, p)
			continue
		}
		rest = append(rest, p)
	}
	f.pending = rest
	return out, nil
}

func (f *fakePipelineStore) UpdateScrapePageStatus(_ context.Context, id uuid.UUID, to model.PageStatus, lastError string) (*model.ScrapePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = to
	f.lastError[id] = lastError
	return &model.ScrapePage{ID: id, Status: to, LastError: lastError}, nil
}

func (f *fakePipelineStore) CompleteScrapePage(_ context.Context, id, pageID uuid.UUID) (*model.ScrapePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = model.StatusCompleted
	f.links[id] = pageID
	return &model.ScrapePage{ID: id, Status: model.StatusCompleted, RelatedPageID: &pageID}, nil
}

func (f *fakePipelineStore) CountSessionOpenPages(_ context.Context, _ uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, st := range f.statuses {
		if st == model.StatusPending || st == model.StatusInProgress {
			n++
		}
	}
	return n, nil
}

func (f *fakePipelineStore) GetScrapePage(_ context.Context, id uuid.UUID) (*model.ScrapePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range [][]*model.ScrapePage{f.inserted, f.pending} {
		for _, p := range set {
			if p.ID == id {
				return p, nil
			}
		}
	}
	st, ok := f.statuses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &model.ScrapePage{ID: id, Status: st}, nil
}

func (f *fakePipelineStore) BulkAction(_ context.Context, ids []uuid.UUID, _ store.PageAction, _ int, preview bool) ([]store.OverrideResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OverrideResult
	for _, id := range ids {
		if !preview {
			f.overrides = append(f.overrides, id)
		}
		out = append(out, store.OverrideResult{PageID: id, Applied: true})
	}
	return out, nil
}

func (f *fakePipelineStore) UpsertPage(_ context.Context, p *model.Page) (*model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = uuid.New()
	f.upserted = append(f.upserted, p)
	return p, nil
}

func (f *fakePipelineStore) FindPageByDigest(context.Context, uuid.UUID, string) (*model.Page, error) {
	return nil, nil
}

func (f *fakePipelineStore) RecentSimhashes(context.Context, uuid.UUID, int) ([]uint64, error) {
	return nil, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*model.Job
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload any, projectID, sessionID, parentID *uuid.UUID) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	j := &model.Job{ID: uuid.New(), Type: jobType, Payload: body, ProjectID: projectID, SessionID: sessionID, ParentID: parentID}
	f.jobs = append(f.jobs, j)
	return j, nil
}

// stubSource is a canned archive strategy serving fixed captures and bodies.
type stubSource struct {
	name     model.ArchiveSource
	records  []model.CaptureRecord
	body     []byte
	listErr  error
	fetchErr error
	lb, fb   *breaker.Breaker
}

func newStubSource(name model.ArchiveSource, records []model.CaptureRecord, body []byte) *stubSource {
	bcfg := breaker.Config{
		FailureThreshold: 5, SuccessThreshold: 2,
		BaseTimeout: time.Second, MaxTimeout: time.Minute, SlidingWindowSize: 10,
	}
	return &stubSource{
		name: name, records: records, body: body,
		lb: breaker.New(bcfg), fb: breaker.New(bcfg),
	}
}

func (s *stubSource) Name() model.ArchiveSource { return s.name }

func (s *stubSource) ListCaptures(context.Context, archive.ListOptions) ([]model.CaptureRecord, archive.ListStats, error) {
	if s.listErr != nil {
		return nil, archive.ListStats{}, s.listErr
	}
	return s.records, archive.ListStats{Records: len(s.records)}, nil
}

func (s *stubSource) FetchCaptureBytes(context.Context, model.CaptureRecord) ([]byte, http.Header, error) {
	if s.fetchErr != nil {
		return nil, nil, s.fetchErr
	}
	return s.body, http.Header{}, nil
}

func (s *stubSource) Config() model.SourceConfig  { return model.SourceConfig{Enabled: true, Priority: 1} }
func (s *stubSource) ListBreaker() *breaker.Breaker  { return s.lb }
func (s *stubSource) FetchBreaker() *breaker.Breaker { return s.fb }

// confidentStrategy always clears the acceptance thresholds.
type confidentStrategy struct{}

func (confidentStrategy) Name() string { return "trafilatura" }
func (confidentStrategy) F1() float64  { return 0.945 }
func (confidentStrategy) Extract(_ context.Context, body []byte, _ string) (*extract.Result, error) {
	text := strings.TrimSpace(string(body))
	return &extract.Result{
		Method:     "trafilatura",
		Title:      "Archived Article",
		Text:       text,
		Markdown:   text,
		Language:   "en",
		WordCount:  len(strings.Fields(text)),
		CharCount:  len(text),
		Metadata:   map[string]any{"author": "a"},
		Confidence: 0.9,
	}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg
}

func testPipeline(t *testing.T, fs *fakePipelineStore, src archive.Strategy) (*Pipeline, *fakeEnqueuer) {
	t.Helper()
	cfg := testConfig()
	log := slog.New(slog.DiscardHandler)
	metrics := archive.NewMetrics()
	router := archive.NewRouter(metrics, src)
	fetcher := archive.NewFetcher(router, metrics)
	fl := filter.New(cfg.Filter, fs)
	tiered := extract.NewTieredWith(cfg.Extract, log, confidentStrategy{})
	enq := &fakeEnqueuer{}
	return New(cfg, fs, router, fetcher, fl, tiered, enq, nil, log), enq
}

func seedProject(fs *fakePipelineStore) (*model.Project, *model.Target, *model.Session) {
	project := &model.Project{
		ID:            uuid.New(),
		Name:          "city-archive",
		ArchiveSource: model.SourceWayback,
	}
	target := &model.Target{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Domain:    "example.org",
		MatchType: model.MatchHostExact,
		FromDate:  "20150101",
		ToDate:    "20151231",
	}
	session := &model.Session{ID: uuid.New(), ProjectID: project.ID, State: model.SessionPending}
	fs.projects[project.ID] = project
	fs.targets[project.ID] = []*model.Target{target}
	fs.sessions[session.ID] = session
	return project, target, session
}

func scrapeJob(project *model.Project, session *model.Session) *model.Job {
	payload, _ := json.Marshal(ScrapeProjectPayload{ProjectID: project.ID, SessionID: session.ID})
	return &model.Job{ID: uuid.New(), Type: model.JobTypeScrapeProject, Payload: payload, MaxAttempts: 3}
}

func noProgress(int) error { return nil }

func TestPolicyFromProjectUsesServerDefaults(t *testing.T) {
	cfg := testConfig()
	project := &model.Project{ArchiveSource: model.SourceHybrid, FallbackEnabled: true}

	policy := PolicyFromProject(cfg, project)
	if policy.Source != model.SourceHybrid || !policy.FallbackEnabled {
		t.Fatalf("source policy: %+v", policy)
	}
	if policy.FallbackStrategy != model.FallbackCircuitBreaker {
		t.Fatalf("default strategy: %s", policy.FallbackStrategy)
	}
	if policy.FallbackDelay != time.Second || policy.MaxFallbackDelay != 30*time.Second {
		t.Fatalf("default delays: %v %v", policy.FallbackDelay, policy.MaxFallbackDelay)
	}
	if len(policy.PerSource) != 0 {
		t.Fatalf("unset source config must not override strategy defaults: %+v", policy.PerSource)
	}
}

func TestPolicyFromProjectOverrides(t *testing.T) {
	cfg := testConfig()
	project := &model.Project{
		ArchiveSource: model.SourceWayback,
		ArchiveConfig: model.ArchiveConfig{
			FallbackStrategy:     model.FallbackImmediate,
			FallbackDelaySeconds: 2.5,
			WaybackMachine:       model.SourceConfig{Enabled: true, MaxPages: 3},
		},
	}

	policy := PolicyFromProject(cfg, project)
	if policy.FallbackStrategy != model.FallbackImmediate {
		t.Fatalf("strategy override lost: %s", policy.FallbackStrategy)
	}
	if policy.FallbackDelay != 2500*time.Millisecond {
		t.Fatalf("delay override lost: %v", policy.FallbackDelay)
	}
	if policy.PerSource[model.SourceWayback].MaxPages != 3 {
		t.Fatalf("per-source override lost: %+v", policy.PerSource)
	}
}

func TestScrapeProjectDiscoversAndFansOut(t *testing.T) {
	fs := newFakePipelineStore()
	project, target, session := seedProject(fs)

	records := []model.CaptureRecord{
		{Timestamp: "20150301120000", OriginalURL: "http://example.org/news/2015/budget-report", MimeType: "text/html", StatusCode: "200", Digest: "AAA", Length: 9000},
		{Timestamp: "20150301120500", OriginalURL: "http://example.org/tag/budget", MimeType: "text/html", StatusCode: "200", Digest: "BBB", Length: 8000},
		{Timestamp: "20150301121000", OriginalURL: "http://example.org/static/site.css", MimeType: "text/css", StatusCode: "200", Digest: "CCC", Length: 4000},
	}
	p, enq := testPipeline(t, fs, newStubSource(model.SourceWayback, records, nil))

	job := scrapeJob(project, session)
	if err := p.HandleScrapeProject(context.Background(), job, noProgress); err != nil {
		t.Fatalf("scrape: %v", err)
	}

	// The stylesheet is dropped before persistence, the tag page lands as
	// filtered, the article as pending.
	if len(fs.inserted) != 2 {
		t.Fatalf("inserted rows: %d", len(fs.inserted))
	}
	statuses := map[model.PageStatus]int{}
	for _, row := range fs.inserted {
		statuses[row.Status]++
		if row.SessionID == nil || *row.SessionID != session.ID {
			t.Fatalf("row missing session stamp: %+v", row)
		}
	}
	if statuses[model.StatusPending] != 1 || statuses[model.StatusFilteredListPage] != 1 {
		t.Fatalf("statuses: %v", statuses)
	}

	if len(enq.jobs) != 1 || enq.jobs[0].Type != model.JobTypeExtractBatch {
		t.Fatalf("expected one extract_batch job, got %+v", enq.jobs)
	}
	var follow ExtractBatchPayload
	if err := json.Unmarshal(enq.jobs[0].Payload, &follow); err != nil {
		t.Fatalf("decode follow-up payload: %v", err)
	}
	if follow.TargetID != target.ID || follow.SessionID != session.ID {
		t.Fatalf("follow-up payload: %+v", follow)
	}
	if enq.jobs[0].ParentID == nil || *enq.jobs[0].ParentID != job.ID {
		t.Fatalf("fanout job must record the spawning job: %v", enq.jobs[0].ParentID)
	}

	if session.State != model.SessionIndexing {
		t.Fatalf("session state: %s", session.State)
	}
	if len(fs.deltas) != 1 || fs.deltas[0].Discovered != 3 {
		t.Fatalf("deltas: %+v", fs.deltas)
	}
	if fs.deltas[0].FilteredByReason["file_extension"] != 1 {
		t.Fatalf("dropped capture not counted: %+v", fs.deltas[0].FilteredByReason)
	}
}

func TestScrapeProjectWithoutPendingWorkCompletesSession(t *testing.T) {
	fs := newFakePipelineStore()
	project, _, session := seedProject(fs)

	records := []model.CaptureRecord{
		{Timestamp: "20150301120000", OriginalURL: "http://example.org/category/news", MimeType: "text/html", StatusCode: "200", Digest: "AAA", Length: 9000},
	}
	p, enq := testPipeline(t, fs, newStubSource(model.SourceWayback, records, nil))

	if err := p.HandleScrapeProject(context.Background(), scrapeJob(project, session), noProgress); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("no extract job expected: %+v", enq.jobs)
	}
	if session.State != model.SessionCompleted {
		t.Fatalf("session state: %s", session.State)
	}
}

func TestScrapeProjectUnknownProjectFails(t *testing.T) {
	fs := newFakePipelineStore()
	p, _ := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, nil))

	payload, _ := json.Marshal(ScrapeProjectPayload{ProjectID: uuid.New(), SessionID: uuid.New()})
	job := &model.Job{ID: uuid.New(), Type: model.JobTypeScrapeProject, Payload: payload}
	if err := p.HandleScrapeProject(context.Background(), job, noProgress); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found failure, got %v", err)
	}
}

const archivedBody = `Berlin approved the 2015 budget on Tuesday after a long council session.
The plan moves money toward transit and housing while trimming administrative costs across departments.
Council members debated the measure for six hours before the final vote was recorded late in the evening.`

func extractJob(project *model.Project, target *model.Target, session *model.Session) *model.Job {
	payload, _ := json.Marshal(ExtractBatchPayload{ProjectID: project.ID, SessionID: session.ID, TargetID: target.ID})
	return &model.Job{ID: uuid.New(), Type: model.JobTypeExtractBatch, Payload: payload, MaxAttempts: 3}
}

func seedPendingPages(fs *fakePipelineStore, project *model.Project, target *model.Target, session *model.Session, n int) []*model.ScrapePage {
	var pages []*model.ScrapePage
	for i := 0; i < n; i++ {
		page := &model.ScrapePage{
			ID:               uuid.New(),
			TargetID:         target.ID,
			ProjectID:        project.ID,
			OriginalURL:      "http://example.org/news/2015/article-" + uuid.NewString()[:8],
			CaptureTimestamp: "20150301120000",
			MimeType:         "text/html",
			Status:           model.StatusPending,
			SessionID:        &session.ID,
		}
		fs.pending = append(fs.pending, page)
		fs.statuses[page.ID] = model.StatusPending
		pages = append(pages, page)
	}
	return pages
}

func TestExtractBatchMaterializesPages(t *testing.T) {
	fs := newFakePipelineStore()
	project, target, session := seedProject(fs)
	session.State = model.SessionIndexing
	pages := seedPendingPages(fs, project, target, session, 2)

	p, _ := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, []byte(archivedBody)))

	if err := p.HandleExtractBatch(context.Background(), extractJob(project, target, session), noProgress); err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(fs.upserted) != 2 {
		t.Fatalf("materialized pages: %d", len(fs.upserted))
	}
	first := fs.upserted[0]
	if first.ContentDigest != extract.ContentDigest(strings.TrimSpace(archivedBody)) {
		t.Fatalf("content digest mismatch: %s", first.ContentDigest)
	}
	if first.ExtractionMethod != "trafilatura" || first.WordCount == 0 {
		t.Fatalf("extraction result: %+v", first)
	}
	if _, ok := first.Metadata["simhash"]; !ok {
		t.Fatal("simhash missing from metadata")
	}
	if first.QualityScore <= 0 || first.QualityScore > 100 {
		t.Fatalf("quality score out of range: %d", first.QualityScore)
	}

	for _, page := range pages {
		if fs.statuses[page.ID] != model.StatusCompleted {
			t.Fatalf("page %s status: %s", page.ID, fs.statuses[page.ID])
		}
		if fs.links[page.ID] == uuid.Nil {
			t.Fatalf("page %s not linked to its materialized page", page.ID)
		}
	}
	if session.State != model.SessionCompleted {
		t.Fatalf("drained session must complete: %s", session.State)
	}

	var ok int64
	for _, d := range fs.deltas {
		ok += d.ExtractedOK
	}
	if ok != 2 {
		t.Fatalf("extracted_ok deltas: %d", ok)
	}
}

func TestExtractBatchRecordsFetchFailures(t *testing.T) {
	fs := newFakePipelineStore()
	project, target, session := seedProject(fs)
	session.State = model.SessionIndexing
	pages := seedPendingPages(fs, project, target, session, 1)

	src := newStubSource(model.SourceWayback, nil, nil)
	src.fetchErr = errors.New("gateway timeout")
	p, _ := testPipeline(t, fs, src)

	if err := p.HandleExtractBatch(context.Background(), extractJob(project, target, session), noProgress); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fs.statuses[pages[0].ID] != model.StatusFailed {
		t.Fatalf("page status: %s", fs.statuses[pages[0].ID])
	}
	if fs.lastError[pages[0].ID] == "" {
		t.Fatal("failure detail not recorded")
	}
	var failed int64
	for _, d := range fs.deltas {
		failed += d.ExtractedFailed
	}
	if failed != 1 {
		t.Fatalf("extracted_failed deltas: %d", failed)
	}
	if len(fs.upserted) != 0 {
		t.Fatal("failed page must not materialize")
	}
	// Every capture failed, so the drained session ends failed, not completed.
	if session.State != model.SessionFailed {
		t.Fatalf("session with zero successful extractions must fail: %s", session.State)
	}
}

func TestExtractBatchPartialFailureStillCompletesSession(t *testing.T) {
	fs := newFakePipelineStore()
	project, target, session := seedProject(fs)
	session.State = model.SessionIndexing
	seedPendingPages(fs, project, target, session, 1)
	session.ExtractedOK = 3 // earlier batches ingested captures

	src := newStubSource(model.SourceWayback, nil, nil)
	src.fetchErr = errors.New("gateway timeout")
	p, _ := testPipeline(t, fs, src)

	if err := p.HandleExtractBatch(context.Background(), extractJob(project, target, session), noProgress); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if session.State != model.SessionCompleted {
		t.Fatalf("session with any ingested capture completes: %s", session.State)
	}
}

func TestScrapeProjectFinalFailureFailsSession(t *testing.T) {
	fs := newFakePipelineStore()
	_, _, session := seedProject(fs)

	// Project row vanished: the job fails permanently, so the session it
	// anchors must not stay pending forever.
	missing := uuid.New()
	payload, _ := json.Marshal(ScrapeProjectPayload{ProjectID: missing, SessionID: session.ID})
	job := &model.Job{ID: uuid.New(), Type: model.JobTypeScrapeProject, Payload: payload, Attempts: 1, MaxAttempts: 3}

	p, _ := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, nil))
	if err := p.HandleScrapeProject(context.Background(), job, noProgress); err == nil {
		t.Fatal("missing project must fail the job")
	}
	if session.State != model.SessionFailed {
		t.Fatalf("permanently failed scrape must fail its session: %s", session.State)
	}
}

func TestScrapeProjectTransientFailureKeepsSessionOpen(t *testing.T) {
	fs := newFakePipelineStore()
	project, _, session := seedProject(fs)

	src := newStubSource(model.SourceWayback, nil, nil)
	src.listErr = errors.New("gateway timeout")
	p, _ := testPipeline(t, fs, src)

	job := scrapeJob(project, session)
	job.Attempts = 1
	if err := p.HandleScrapeProject(context.Background(), job, noProgress); err == nil {
		t.Fatal("failed discovery must fail the job")
	}
	if session.State == model.SessionFailed {
		t.Fatalf("retriable failure with attempts left must leave the session open: %s", session.State)
	}
}

func TestScrapeProjectExhaustedRetriesFailSession(t *testing.T) {
	fs := newFakePipelineStore()
	project, _, session := seedProject(fs)

	src := newStubSource(model.SourceWayback, nil, nil)
	src.listErr = errors.New("gateway timeout")
	p, _ := testPipeline(t, fs, src)

	job := scrapeJob(project, session)
	job.Attempts = 3 // final attempt
	if err := p.HandleScrapeProject(context.Background(), job, noProgress); err == nil {
		t.Fatal("failed discovery must fail the job")
	}
	if session.State != model.SessionFailed {
		t.Fatalf("a scrape that dies on its last attempt must fail the session: %s", session.State)
	}
}

func TestBulkActionHandlerApplies(t *testing.T) {
	fs := newFakePipelineStore()
	p, _ := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, nil))

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	payload, _ := json.Marshal(BulkActionPayload{PageIDs: ids, Action: store.ActionSkipAll})
	job := &model.Job{ID: uuid.New(), Type: model.JobTypeBulkOverride, Payload: payload}

	if err := p.HandleBulkAction(context.Background(), job, noProgress); err != nil {
		t.Fatalf("bulk action: %v", err)
	}
	if len(fs.overrides) != 2 {
		t.Fatalf("actions applied: %d", len(fs.overrides))
	}
}

func TestBulkActionRejectsUnknownAction(t *testing.T) {
	fs := newFakePipelineStore()
	p, _ := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, nil))

	payload, _ := json.Marshal(BulkActionPayload{PageIDs: []uuid.UUID{uuid.New()}, Action: "vanish"})
	job := &model.Job{ID: uuid.New(), Type: model.JobTypeBulkOverride, Payload: payload}

	if err := p.HandleBulkAction(context.Background(), job, noProgress); err == nil {
		t.Fatal("unknown action must fail")
	}
	if len(fs.overrides) != 0 {
		t.Fatal("no action may apply")
	}
}

func TestBulkActionMarkForProcessingFansOutExtract(t *testing.T) {
	fs := newFakePipelineStore()
	project, target, session := seedProject(fs)
	pages := seedPendingPages(fs, project, target, session, 2)
	p, enq := testPipeline(t, fs, newStubSource(model.SourceWayback, nil, nil))

	ids := []uuid.UUID{pages[0].ID, pages[1].ID}
	payload, _ := json.Marshal(BulkActionPayload{PageIDs: ids, Action: store.ActionMarkForProcessing})
	projectID := project.ID
	job := &model.Job{ID: uuid.New(), Type: model.JobTypeBulkOverride, Payload: payload, ProjectID: &projectID}

	if err := p.HandleBulkAction(context.Background(), job, noProgress); err != nil {
		t.Fatalf("bulk action: %v", err)
	}
	if len(enq.jobs) != 1 || enq.jobs[0].Type != model.JobTypeExtractBatch {
		t.Fatalf("expected one extract_batch per target, got %+v", enq.jobs)
	}
}
