package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/config"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ConsistencyLevel:    "eventual",
		BatchSize:           100,
		MaxAttempts:         3,
		LeaseSeconds:        60,
		CDCGraceMinutes:     10,
		ValidatorSampleSize: 100,
		MonitoredTables:     []string{"scrape_pages"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeSource struct {
	pending   []*model.DualWriteIntent
	committed []uuid.UUID
	released  []uuid.UUID
	failed    []uuid.UUID
	dlqReason []string

	checkpoints map[string]time.Time
	changed     []store.ChangedRow
	enqueued    []string
}

func (f *fakeSource) ClaimIntents(_ context.Context, limit int, _ time.Duration) ([]*model.DualWriteIntent, error) {
	batch := f.pending
	if len(batch) > limit {
		batch = batch[:limit]
	}
	f.pending = f.pending[len(batch):]
	for _, in := range batch {
		in.Attempts++
	}
	return batch, nil
}

func (f *fakeSource) MarkIntentCommitted(_ context.Context, id uuid.UUID) error {
	f.committed = append(f.committed, id)
	return nil
}

func (f *fakeSource) ReleaseIntent(_ context.Context, id uuid.UUID, _ string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeSource) FailIntent(_ context.Context, in *model.DualWriteIntent, reason, _ string) error {
	f.failed = append(f.failed, in.ID)
	f.dlqReason = append(f.dlqReason, reason)
	return nil
}

func (f *fakeSource) PendingIntentCount(context.Context) (int64, error) {
	return int64(len(f.pending)), nil
}

func (f *fakeSource) ChangedRowsSince(_ context.Context, _ string, since time.Time, _ int) ([]store.ChangedRow, error) {
	var out []store.ChangedRow
	for _, row := range f.changed {
		if !row.UpdatedAt.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeSource) GetCheckpoint(_ context.Context, table string) (*model.CDCCheckpoint, error) {
	at, ok := f.checkpoints[table]
	if !ok {
		return nil, nil
	}
	return &model.CDCCheckpoint{TableName: table, LastSyncedAt: at}, nil
}

func (f *fakeSource) SetCheckpoint(_ context.Context, table string, at time.Time) error {
	if f.checkpoints == nil {
		f.checkpoints = map[string]time.Time{}
	}
	f.checkpoints[table] = at
	return nil
}

func (f *fakeSource) EnqueueIntent(_ context.Context, _ model.IntentOp, table, primaryKey string, _ json.RawMessage) error {
	f.enqueued = append(f.enqueued, table+"/"+primaryKey)
	return nil
}

type fakeReplica struct {
	applyErrs map[uuid.UUID]error
	applied   []uuid.UUID
	rows      map[string]*Row
}

func (f *fakeReplica) Apply(_ context.Context, in *model.DualWriteIntent) error {
	if err := f.applyErrs[in.ID]; err != nil {
		return err
	}
	f.applied = append(f.applied, in.ID)
	return nil
}

func (f *fakeReplica) GetRow(_ context.Context, table, primaryKey string) (*Row, error) {
	return f.rows[table+"/"+primaryKey], nil
}

func intent(attempts int) *model.DualWriteIntent {
	return &model.DualWriteIntent{
		ID:          uuid.New(),
		Op:          model.IntentUpdate,
		Table:       "scrape_pages",
		PrimaryKey:  uuid.New().String(),
		Payload:     []byte(`{}`),
		SubmittedAt: time.Now(),
		Attempts:    attempts,
	}
}

func TestSweepCommitsInOrder(t *testing.T) {
	a, b := intent(0), intent(0)
	source := &fakeSource{pending: []*model.DualWriteIntent{a, b}}
	replica := &fakeReplica{}
	s := NewSynchronizer(testSyncConfig(), source, replica, discardLogger())

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Committed != 2 || stats.Claimed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(replica.applied) != 2 || replica.applied[0] != a.ID || replica.applied[1] != b.ID {
		t.Fatal("intents must apply in submission order")
	}
	if len(source.committed) != 2 {
		t.Fatalf("expected 2 committed, got %d", len(source.committed))
	}
}

func TestSweepReleasesFailedIntentForRetry(t *testing.T) {
	in := intent(0)
	source := &fakeSource{pending: []*model.DualWriteIntent{in}}
	replica := &fakeReplica{applyErrs: map[uuid.UUID]error{in.ID: errors.New("replica down")}}
	s := NewSynchronizer(testSyncConfig(), source, replica, discardLogger())

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Released != 1 || stats.DeadLettered != 0 {
		t.Fatalf("expected release, got %+v", stats)
	}
	if len(source.released) != 1 || source.released[0] != in.ID {
		t.Fatal("failed intent must go back to the pool")
	}
}

func TestSweepDeadLettersExhaustedIntent(t *testing.T) {
	// Attempt 2 going in; claim bumps it to 3 == MaxAttempts.
	in := intent(2)
	source := &fakeSource{pending: []*model.DualWriteIntent{in}}
	replica := &fakeReplica{applyErrs: map[uuid.UUID]error{in.ID: errors.New("replica down")}}
	s := NewSynchronizer(testSyncConfig(), source, replica, discardLogger())

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.DeadLettered != 1 {
		t.Fatalf("expected dead letter, got %+v", stats)
	}
	if len(source.failed) != 1 || source.dlqReason[0] != "replication_exhausted" {
		t.Fatalf("dead letter not filed: %+v", source.dlqReason)
	}
}

func TestWeakConsistencyIsSingleShot(t *testing.T) {
	in := intent(0)
	cfg := testSyncConfig()
	cfg.ConsistencyLevel = "weak"
	source := &fakeSource{pending: []*model.DualWriteIntent{in}}
	replica := &fakeReplica{applyErrs: map[uuid.UUID]error{in.ID: errors.New("replica down")}}
	s := NewSynchronizer(cfg, source, replica, discardLogger())

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Released != 0 || stats.DeadLettered != 0 {
		t.Fatalf("weak mode must not retry or dead-letter: %+v", stats)
	}
	if len(source.failed) != 1 || source.dlqReason[0] != "" {
		t.Fatal("weak mode parks the intent without a dead letter reason")
	}
}

func TestBridgeBackfillsMissingRow(t *testing.T) {
	now := time.Now()
	missing := store.ChangedRow{PrimaryKey: "pk-1", UpdatedAt: now.Add(-time.Hour), Payload: []byte(`{"id":"pk-1"}`)}
	fresh := store.ChangedRow{PrimaryKey: "pk-2", UpdatedAt: now.Add(-time.Hour), Payload: []byte(`{"id":"pk-2"}`)}

	source := &fakeSource{changed: []store.ChangedRow{missing, fresh}}
	replica := &fakeReplica{rows: map[string]*Row{
		"scrape_pages/pk-2": {SubmittedAt: now},
	}}
	b := NewBridge(testSyncConfig(), source, replica, discardLogger())

	stats, err := b.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Examined != 2 || stats.Backfills != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(source.enqueued) != 1 || source.enqueued[0] != "scrape_pages/pk-1" {
		t.Fatalf("wrong backfill: %v", source.enqueued)
	}
}

func TestBridgeBackfillsStaleRow(t *testing.T) {
	now := time.Now()
	row := store.ChangedRow{PrimaryKey: "pk-1", UpdatedAt: now.Add(-time.Hour), Payload: []byte(`{}`)}
	source := &fakeSource{changed: []store.ChangedRow{row}}
	// Replica saw an older version of the row.
	replica := &fakeReplica{rows: map[string]*Row{
		"scrape_pages/pk-1": {SubmittedAt: now.Add(-2 * time.Hour)},
	}}
	b := NewBridge(testSyncConfig(), source, replica, discardLogger())

	stats, err := b.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Backfills != 1 {
		t.Fatalf("stale replica row must backfill: %+v", stats)
	}
}

func TestBridgeCheckpointNeverPassesGraceCeiling(t *testing.T) {
	now := time.Now()
	// A row updated just now: the checkpoint must stay a full grace window
	// behind the wall clock so late commits are still swept.
	row := store.ChangedRow{PrimaryKey: "pk-1", UpdatedAt: now, Payload: []byte(`{}`)}
	source := &fakeSource{changed: []store.ChangedRow{row}}
	replica := &fakeReplica{}
	b := NewBridge(testSyncConfig(), source, replica, discardLogger())
	b.now = func() time.Time { return now }

	if _, err := b.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	cp := source.checkpoints["scrape_pages"]
	ceiling := now.Add(-10 * time.Minute)
	if cp.After(ceiling) {
		t.Fatalf("checkpoint %v passed ceiling %v", cp, ceiling)
	}
}

type fakePrimary struct {
	counts      map[string]int64
	hashes      map[string]string
	dangling    []string
	dlqDepth    int64
	sampleLimit int
	repairs     []string
}

func (f *fakePrimary) CountRows(_ context.Context, table string) (int64, error) {
	return f.counts[table], nil
}

func (f *fakePrimary) SampleRowHashes(_ context.Context, _ string, limit int) (map[string]string, error) {
	f.sampleLimit = limit
	return f.hashes, nil
}

// MissingRows treats the sampled hash set as the table's row set.
func (f *fakePrimary) MissingRows(_ context.Context, _ string, keys []string) ([]string, error) {
	var out []string
	for _, key := range keys {
		if _, ok := f.hashes[key]; !ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *fakePrimary) RowPayload(_ context.Context, _, primaryKey string) (json.RawMessage, error) {
	return []byte(`{"id":"` + primaryKey + `"}`), nil
}

func (f *fakePrimary) EnqueueIntent(_ context.Context, op model.IntentOp, table, primaryKey string, _ json.RawMessage) error {
	f.repairs = append(f.repairs, string(op)+":"+table+"/"+primaryKey)
	return nil
}

func (f *fakePrimary) DanglingPageRefs(_ context.Context, _ int) ([]string, error) {
	return f.dangling, nil
}

func (f *fakePrimary) DeadLetterDepth(_ context.Context) (int64, error) {
	return f.dlqDepth, nil
}

type fakeReplicaSide struct {
	counts   map[string]int64
	hashes   map[string]string
	liveKeys []string
}

func (f *fakeReplicaSide) CountRows(_ context.Context, table string) (int64, error) {
	return f.counts[table], nil
}

func (f *fakeReplicaSide) HashesFor(_ context.Context, _ string, _ []string) (map[string]string, error) {
	return f.hashes, nil
}

func (f *fakeReplicaSide) SampleLiveKeys(_ context.Context, _ string, limit int) ([]string, error) {
	if len(f.liveKeys) > limit {
		return f.liveKeys[:limit], nil
	}
	return f.liveKeys, nil
}

func TestValidatorPerfectScore(t *testing.T) {
	primary := &fakePrimary{
		counts: map[string]int64{"scrape_pages": 10},
		hashes: map[string]string{"a": "h1", "b": "h2"},
	}
	replica := &fakeReplicaSide{
		counts:   map[string]int64{"scrape_pages": 10},
		hashes:   map[string]string{"a": "h1", "b": "h2"},
		liveKeys: []string{"a", "b"},
	}
	v := NewValidator(testSyncConfig(), primary, replica, discardLogger())

	report, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Score != 100 {
		t.Fatalf("expected perfect score, got %f", report.Score)
	}
	if report.Degraded {
		t.Fatal("healthy DLQ must not degrade sampling")
	}
	if len(primary.repairs) != 0 {
		t.Fatalf("no repairs expected: %v", primary.repairs)
	}
}

func TestValidatorRepairsDivergence(t *testing.T) {
	primary := &fakePrimary{
		counts: map[string]int64{"scrape_pages": 10},
		hashes: map[string]string{"a": "h1", "b": "h2", "c": "h3", "d": "h4"},
	}
	replica := &fakeReplicaSide{
		counts: map[string]int64{"scrape_pages": 8},
		// b has a stale hash, c is missing entirely.
		hashes:   map[string]string{"a": "h1", "b": "stale", "d": "h4"},
		liveKeys: []string{"a", "b", "d"},
	}
	v := NewValidator(testSyncConfig(), primary, replica, discardLogger())

	report, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	tr := report.Tables[0]
	if tr.HashMismatches != 1 || tr.MissingInAnalytical != 1 || tr.Matched != 2 {
		t.Fatalf("unexpected table report: %+v", tr)
	}
	if tr.RepairsQueued != 2 || len(primary.repairs) != 2 {
		t.Fatalf("both divergent rows must queue repairs: %+v", primary.repairs)
	}
	kinds := map[string]int{}
	for _, d := range tr.Discrepancies {
		kinds[d.Kind]++
	}
	if kinds[KindMissingInAnalytical] != 1 || kinds[KindHashMismatch] != 1 {
		t.Fatalf("discrepancy kinds: %v", kinds)
	}
	// Count score 8/10 = 0.8, sample score 2/4 = 0.5, blended 65.
	if tr.Score < 64.9 || tr.Score > 65.1 {
		t.Fatalf("score: %f", tr.Score)
	}
	if report.Score != tr.Score {
		t.Fatalf("single-table report score must equal table score")
	}
}

func TestValidatorTombstonesExtraAnalyticalRows(t *testing.T) {
	primary := &fakePrimary{
		counts: map[string]int64{"scrape_pages": 2},
		hashes: map[string]string{"a": "h1", "b": "h2"},
	}
	replica := &fakeReplicaSide{
		counts: map[string]int64{"scrape_pages": 3},
		hashes: map[string]string{"a": "h1", "b": "h2"},
		// zombie's primary row was deleted but the delete never replicated.
		liveKeys: []string{"a", "b", "zombie"},
	}
	v := NewValidator(testSyncConfig(), primary, replica, discardLogger())

	report, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	tr := report.Tables[0]
	if tr.ExtraInAnalytical != 1 {
		t.Fatalf("zombie row not detected: %+v", tr)
	}
	found := false
	for _, d := range tr.Discrepancies {
		if d.Kind == KindExtraInAnalytical && d.Key == "zombie" {
			found = true
		}
	}
	if !found {
		t.Fatalf("discrepancies: %+v", tr.Discrepancies)
	}
	if len(primary.repairs) != 1 || primary.repairs[0] != "delete:scrape_pages/zombie" {
		t.Fatalf("zombie must repair via a delete intent: %v", primary.repairs)
	}
	if tr.Score >= 100 {
		t.Fatalf("extra rows must cost score: %f", tr.Score)
	}
}

func TestValidatorReportsDanglingRefs(t *testing.T) {
	primary := &fakePrimary{
		counts:   map[string]int64{"scrape_pages": 1},
		hashes:   map[string]string{"a": "h1"},
		dangling: []string{"orphan-1"},
	}
	replica := &fakeReplicaSide{
		counts:   map[string]int64{"scrape_pages": 1},
		hashes:   map[string]string{"a": "h1"},
		liveKeys: []string{"a"},
	}
	v := NewValidator(testSyncConfig(), primary, replica, discardLogger())

	report, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.DanglingRefs) != 1 || report.DanglingRefs[0].Kind != KindDanglingRef {
		t.Fatalf("dangling ref not reported: %+v", report.DanglingRefs)
	}
	// Referential breaks are surfaced, never blindly re-replicated.
	if len(primary.repairs) != 0 {
		t.Fatalf("dangling refs must not queue repairs: %v", primary.repairs)
	}
}

func TestValidatorThrottlesSamplingWhenDLQDeep(t *testing.T) {
	cfg := testSyncConfig()
	cfg.ValidatorSampleSize = 200
	cfg.DLQDegradedDepth = 100

	primary := &fakePrimary{
		counts:   map[string]int64{"scrape_pages": 1},
		hashes:   map[string]string{"a": "h1"},
		dlqDepth: 150,
	}
	replica := &fakeReplicaSide{
		counts:   map[string]int64{"scrape_pages": 1},
		hashes:   map[string]string{"a": "h1"},
		liveKeys: []string{"a"},
	}
	v := NewValidator(cfg, primary, replica, discardLogger())

	report, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Degraded {
		t.Fatal("deep DLQ must flag the run degraded")
	}
	if report.SampleSize != 50 || primary.sampleLimit != 50 {
		t.Fatalf("sampling must drop to a quarter: report=%d used=%d",
			report.SampleSize, primary.sampleLimit)
	}
}
