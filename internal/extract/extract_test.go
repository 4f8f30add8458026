package extract

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"hindsight/internal/breaker"
	"hindsight/internal/config"
)

const articleHTML = `<!DOCTYPE html>
<html lang="en-US">
<head>
  <title>Shipping a Storage Engine</title>
  <meta name="description" content="Notes from building a log-structured storage engine.">
  <meta name="author" content="R. Alvarez">
  <meta property="article:published_time" content="2019-04-02T10:00:00Z">
</head>
<body>
  <nav><a href="/">Home</a> <a href="/blog">Blog</a> <a href="/about">About</a></nav>
  <article>
    <h1>Shipping a Storage Engine</h1>
    <p>We spent the better part of a year replacing the embedded key value store that backed our ingestion pipeline. The old engine had served us well, but compaction pauses were starting to show up in customer facing latency percentiles.</p>
    <p>The first lesson was that write amplification dominates everything else at our scale. Every design decision that looked free on paper turned out to cost us in background IO, and the only way to see it was to measure on production shaped workloads.</p>
    <p>The second lesson was about recovery. A storage engine that starts fast after a crash is worth more than one that is five percent faster in steady state, because restarts are when you lose customers.</p>
    <p>We ended up with a log structured design with tiered compaction and an explicit recovery checkpoint every few seconds. It is not novel, but it is predictable, and predictable is what an ingestion pipeline needs.</p>
    <p>If you are considering a similar migration, budget twice the time you think validation will take. Correctness bugs in storage code hide for months and then cost you a weekend.</p>
  </article>
  <footer>Copyright 2019</footer>
</body>
</html>`

func testConfig() config.ExtractConfig {
	return config.ExtractConfig{
		AcceptThreshold: 0.6,
		MinWords:        20,
		TimeoutSeconds:  5,
		MaxConcurrent:   2,
		Breaker: config.BreakerConfig{
			FailureThreshold:   2,
			SuccessThreshold:   1,
			BaseTimeoutSeconds: 60,
			MaxTimeoutSeconds:  600,
			SlidingWindowSize:  10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeStrategy struct {
	name string
	res  *Result
	err  error
}

func (f *fakeStrategy) Name() string { return f.name }
func (f *fakeStrategy) F1() float64  { return 0.9 }
func (f *fakeStrategy) Extract(context.Context, []byte, string) (*Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func fakeResult(method string, conf float64, words int) *Result {
	text := strings.TrimSpace(strings.Repeat("word ", words))
	return &Result{Method: method, Text: text, WordCount: words, CharCount: len(text), Confidence: conf}
}

func TestTierFallbackAcceptsFirstPassing(t *testing.T) {
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "first", err: errors.New("parser blew up")},
		&fakeStrategy{name: "second", res: fakeResult("second", 0.4, 100)},
		&fakeStrategy{name: "third", res: fakeResult("third", 0.8, 100)},
	)

	ext, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ext.Method != "third" || ext.Degraded {
		t.Fatalf("expected accepted third-tier result, got %+v", ext)
	}
	if len(ext.Attempts) != 3 {
		t.Fatalf("expected 3 attempt records, got %d", len(ext.Attempts))
	}
	if ext.Attempts[0].Error == "" || ext.Attempts[1].Accepted || !ext.Attempts[2].Accepted {
		t.Fatalf("attempt audit trail wrong: %+v", ext.Attempts)
	}
}

func TestLowConfidenceBelowMinWordsRejected(t *testing.T) {
	// High confidence but too few words must not be accepted outright. At
	// half the word minimum the result still qualifies as degraded.
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "only", res: fakeResult("only", 0.9, 10)},
	)
	ext, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !ext.Degraded {
		t.Fatal("short result must be degraded, not accepted")
	}
}

func TestDegradedFloorRejectsTinyResults(t *testing.T) {
	// Below half the word minimum there is no degraded fallback: a 5-word
	// fragment against MinWords=20 is a failed extraction, however confident
	// the strategy was.
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "only", res: fakeResult("only", 0.95, 5)},
	)
	_, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if !errors.Is(err, ErrAllStrategiesFailed) {
		t.Fatalf("expected ErrAllStrategiesFailed for sub-floor word count, got %v", err)
	}
}

func TestDegradedKeepsBestRejected(t *testing.T) {
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "first", res: fakeResult("first", 0.3, 40)},
		&fakeStrategy{name: "second", res: fakeResult("second", 0.5, 40)},
	)
	ext, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !ext.Degraded || ext.Method != "second" {
		t.Fatalf("expected degraded second-tier result, got %+v", ext)
	}
}

func TestAllStrategiesFailed(t *testing.T) {
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "first", err: errNoContent},
		&fakeStrategy{name: "second", err: errors.New("boom")},
	)
	_, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if !errors.Is(err, ErrAllStrategiesFailed) {
		t.Fatalf("expected ErrAllStrategiesFailed, got %v", err)
	}
}

func TestFailingTierTripsItsBreaker(t *testing.T) {
	tiered := NewTieredWith(testConfig(), discardLogger(),
		&fakeStrategy{name: "flaky", err: errors.New("boom")},
		&fakeStrategy{name: "stable", res: fakeResult("stable", 0.8, 100)},
	)

	for i := 0; i < 3; i++ {
		if _, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a"); err != nil {
			t.Fatalf("extract %d: %v", i, err)
		}
	}

	status := tiered.BreakerStatus()
	if status["flaky"].State != breaker.Open {
		t.Fatalf("flaky tier breaker should be open, got %s", status["flaky"].State)
	}
	if status["stable"].State != breaker.Closed {
		t.Fatalf("stable tier breaker should stay closed, got %s", status["stable"].State)
	}

	// While open, the flaky tier is skipped without invoking it.
	ext, err := tiered.Extract(context.Background(), []byte("x"), "https://example.com/a")
	if err != nil {
		t.Fatalf("extract with open tier: %v", err)
	}
	if ext.Method != "stable" {
		t.Fatalf("expected stable tier, got %s", ext.Method)
	}
}

func TestTrafilaturaExtractsArticle(t *testing.T) {
	tr := NewTrafilatura()
	res, err := tr.Extract(context.Background(), []byte(articleHTML), "https://example.com/storage-engine")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Title != "Shipping a Storage Engine" {
		t.Fatalf("title: %q", res.Title)
	}
	if res.Language != "en" {
		t.Fatalf("language: %q", res.Language)
	}
	if res.WordCount < 100 {
		t.Fatalf("word count too low: %d", res.WordCount)
	}
	if res.Confidence < 0.6 {
		t.Fatalf("confidence too low for clean article: %f", res.Confidence)
	}
	if res.Markdown == "" {
		t.Fatal("markdown rendition missing")
	}
	if strings.Contains(res.Text, "Copyright 2019") || strings.Contains(res.Text, "Home") {
		t.Fatalf("boilerplate leaked into text: %q", res.Text[:80])
	}
	if res.Metadata["author"] != "R. Alvarez" {
		t.Fatalf("metadata author missing: %+v", res.Metadata)
	}
}

func TestExtractionIsDeterministic(t *testing.T) {
	tiered := NewTiered(testConfig(), discardLogger())
	first, err := tiered.Extract(context.Background(), []byte(articleHTML), "https://example.com/storage-engine")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	second, err := tiered.Extract(context.Background(), []byte(articleHTML), "https://example.com/storage-engine")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if first.Text != second.Text || first.Confidence != second.Confidence ||
		first.Method != second.Method || first.Markdown != second.Markdown {
		t.Fatal("identical bytes must yield identical extractions")
	}
}

func TestBeautifulSoupLastResort(t *testing.T) {
	bs := NewBeautifulSoup()
	res, err := bs.Extract(context.Background(), []byte("<html><body><div>just a bare fragment of text with no structure at all</div></body></html>"), "https://example.com/x")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.WordCount != 11 {
		t.Fatalf("word count: %d", res.WordCount)
	}
}

func TestContentDigestIgnoresWhitespaceAndCase(t *testing.T) {
	a := ContentDigest("Hello   World\nagain")
	b := ContentDigest("hello world again")
	if a != b {
		t.Fatal("digest must be stable under whitespace and case changes")
	}
	if a == ContentDigest("hello world") {
		t.Fatal("different content must produce different digests")
	}
}

func TestSimhashNearDuplicates(t *testing.T) {
	base := "the quick brown fox jumps over the lazy dog near the river bank on a warm afternoon in late summer"
	similar := base + " indeed"
	different := "completely unrelated sentence about database compaction strategies and write amplification tradeoffs"

	d1 := HammingDistance(Simhash64(base), Simhash64(similar))
	d2 := HammingDistance(Simhash64(base), Simhash64(different))
	if d1 >= d2 {
		t.Fatalf("near-duplicate distance %d should be below unrelated distance %d", d1, d2)
	}
	if HammingDistance(Simhash64(base), Simhash64(base)) != 0 {
		t.Fatal("identical text must have distance zero")
	}
}

func TestQualityScoreComponents(t *testing.T) {
	res := &Result{
		Method:   "trafilatura",
		Title:    "A Title",
		Language: "en",
		Text:     strings.Repeat("This is a plain sentence with about nine words total. ", 60),
		Markdown: "# A Title",
		Metadata: map[string]any{"description": "d", "author": "a"},
	}
	res.Text = strings.TrimSpace(res.Text) + "\n\n" + "Closing paragraph with a few more words in it."
	res.WordCount = countWords(res.Text)

	qb := QualityScore(res, nil)
	if qb.Readability != 25 {
		t.Fatalf("readability: %d", qb.Readability)
	}
	if qb.Completeness != 30 {
		t.Fatalf("completeness for %d words: %d", res.WordCount, qb.Completeness)
	}
	if qb.Uniqueness != 15 {
		t.Fatalf("uniqueness with no neighbors: %d", qb.Uniqueness)
	}
	if qb.Structure != 10 {
		t.Fatalf("structure: %d", qb.Structure)
	}
	if qb.Total != qb.Readability+qb.Completeness+qb.Metadata+qb.Uniqueness+qb.Structure {
		t.Fatal("total must equal the component sum")
	}
}

func TestQualityUniquenessPenalizesDuplicates(t *testing.T) {
	text := "an article body that already exists elsewhere in the project with identical wording throughout the whole page"
	res := &Result{Text: text, WordCount: countWords(text)}

	qb := QualityScore(res, []uint64{Simhash64(text)})
	if qb.Uniqueness != 0 {
		t.Fatalf("exact duplicate must score zero uniqueness, got %d", qb.Uniqueness)
	}
}
