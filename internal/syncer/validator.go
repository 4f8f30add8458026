package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"hindsight/internal/config"
	"hindsight/internal/model"
)

// PrimarySource is the operational-store slice the validator samples.
type PrimarySource interface {
	CountRows(ctx context.Context, table string) (int64, error)
	SampleRowHashes(ctx context.Context, table string, limit int) (map[string]string, error)
	MissingRows(ctx context.Context, table string, keys []string) ([]string, error)
	RowPayload(ctx context.Context, table, primaryKey string) (json.RawMessage, error)
	EnqueueIntent(ctx context.Context, op model.IntentOp, table, primaryKey string, payload json.RawMessage) error
	DanglingPageRefs(ctx context.Context, limit int) ([]string, error)
	DeadLetterDepth(ctx context.Context) (int64, error)
}

// ReplicaSide is the analytical-store slice the validator compares.
type ReplicaSide interface {
	CountRows(ctx context.Context, table string) (int64, error)
	HashesFor(ctx context.Context, table string, keys []string) (map[string]string, error)
	SampleLiveKeys(ctx context.Context, table string, limit int) ([]string, error)
}

// Discrepancy kinds.
const (
	KindMissingInAnalytical = "missing_in_analytical"
	KindExtraInAnalytical   = "extra_in_analytical"
	KindHashMismatch        = "hash_mismatch"
	KindDanglingRef         = "dangling_ref"
)

// Discrepancy is one detected divergence between the two stores.
type Discrepancy struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Kind  string `json:"kind"`
}

// TableReport is the per-table validation outcome.
type TableReport struct {
	Table               string        `json:"table"`
	PrimaryCount        int64         `json:"primary_count"`
	AnalyticalCount     int64         `json:"analytical_count"`
	Sampled             int           `json:"sampled"`
	Matched             int           `json:"matched"`
	MissingInAnalytical int           `json:"missing_in_analytical"`
	ExtraInAnalytical   int           `json:"extra_in_analytical"`
	HashMismatches      int           `json:"hash_mismatches"`
	RepairsQueued       int           `json:"repairs_queued"`
	Discrepancies       []Discrepancy `json:"discrepancies,omitempty"`
	Score               float64       `json:"score"`
}

// Report is one validator run over all monitored tables.
type Report struct {
	StartedAt    time.Time     `json:"started_at"`
	Tables       []TableReport `json:"tables"`
	DanglingRefs []Discrepancy `json:"dangling_refs,omitempty"`
	SampleSize   int           `json:"sample_size"`
	// Degraded flags a run whose sampling was throttled because the dead
	// letter queue was past its depth threshold.
	Degraded bool `json:"degraded"`
	// Score is the overall consistency score in [0,100]; 100 means the
	// sampled state of both stores agrees everywhere.
	Score float64 `json:"score"`
}

// Validator periodically compares the two stores: row counts per table,
// canonical hashes over a recent sample, zombie rows on the analytical
// side, and referential integrity of page links. Divergent rows are
// repaired by enqueueing synthetic intents, so the fix flows through the
// same replication path as everything else.
type Validator struct {
	cfg     config.SyncConfig
	primary PrimarySource
	replica ReplicaSide
	log     *slog.Logger

	lastReport *Report
}

// NewValidator wires the consistency validator.
func NewValidator(cfg config.SyncConfig, primary PrimarySource, replica ReplicaSide, log *slog.Logger) *Validator {
	return &Validator{cfg: cfg, primary: primary, replica: replica, log: log}
}

// Run validates on the configured interval until ctx is cancelled.
func (v *Validator) Run(ctx context.Context) {
	interval := time.Duration(v.cfg.ValidatorIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := v.Validate(ctx)
			if err != nil {
				v.log.Error("consistency validation failed", "error", err)
				continue
			}
			if report.Score < 100 {
				v.log.Warn("stores diverged", "score", report.Score)
			}
		}
	}
}

// Validate runs one full comparison and queues repairs for divergent rows.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	sample, degraded, err := v.sampleBudget(ctx)
	if err != nil {
		return nil, err
	}
	report.SampleSize = sample
	report.Degraded = degraded

	var scoreSum float64
	for _, table := range v.cfg.MonitoredTables {
		tr, err := v.validateTable(ctx, table, sample)
		if err != nil {
			return nil, err
		}
		report.Tables = append(report.Tables, tr)
		scoreSum += tr.Score
	}
	if len(report.Tables) > 0 {
		report.Score = scoreSum / float64(len(report.Tables))
	} else {
		report.Score = 100
	}

	if err := v.checkPageRefs(ctx, report, sample); err != nil {
		return nil, err
	}

	v.lastReport = report
	return report, nil
}

// ValidateNow is the fire-and-forget form used by the repair job handler.
func (v *Validator) ValidateNow(ctx context.Context) error {
	_, err := v.Validate(ctx)
	return err
}

// sampleBudget decides how many rows to sample. Past the DLQ depth
// threshold replication is already hurting, so validation backs off to a
// quarter of its budget instead of piling on more read load and repairs.
func (v *Validator) sampleBudget(ctx context.Context) (int, bool, error) {
	sample := v.cfg.ValidatorSampleSize
	if sample <= 0 {
		sample = 100
	}
	depth, err := v.primary.DeadLetterDepth(ctx)
	if err != nil {
		return 0, false, err
	}
	if v.cfg.DLQDegradedDepth > 0 && depth >= int64(v.cfg.DLQDegradedDepth) {
		sample /= 4
		if sample < 10 {
			sample = 10
		}
		v.log.Warn("validator sampling degraded",
			"dead_letters", depth, "sample_size", sample)
		return sample, true, nil
	}
	return sample, false, nil
}

func (v *Validator) validateTable(ctx context.Context, table string, sample int) (TableReport, error) {
	tr := TableReport{Table: table}

	var err error
	if tr.PrimaryCount, err = v.primary.CountRows(ctx, table); err != nil {
		return tr, err
	}
	if tr.AnalyticalCount, err = v.replica.CountRows(ctx, table); err != nil {
		return tr, err
	}

	primaryHashes, err := v.primary.SampleRowHashes(ctx, table, sample)
	if err != nil {
		return tr, err
	}
	keys := make([]string, 0, len(primaryHashes))
	for key := range primaryHashes {
		keys = append(keys, key)
	}
	replicaHashes, err := v.replica.HashesFor(ctx, table, keys)
	if err != nil {
		return tr, err
	}

	tr.Sampled = len(keys)
	for key, want := range primaryHashes {
		got, ok := replicaHashes[key]
		switch {
		case !ok:
			tr.MissingInAnalytical++
			tr.Discrepancies = append(tr.Discrepancies, Discrepancy{Table: table, Key: key, Kind: KindMissingInAnalytical})
		case got != want:
			tr.HashMismatches++
			tr.Discrepancies = append(tr.Discrepancies, Discrepancy{Table: table, Key: key, Kind: KindHashMismatch})
		default:
			tr.Matched++
			continue
		}
		if err := v.repairUpsert(ctx, table, key); err != nil {
			v.log.Error("queue repair", "table", table, "pk", key, "error", err)
			continue
		}
		tr.RepairsQueued++
	}

	if err := v.findExtraRows(ctx, table, sample, &tr); err != nil {
		return tr, err
	}

	tr.Score = tableScore(tr)
	return tr, nil
}

// findExtraRows samples live analytical rows and flags those whose primary
// row is gone: a delete that never replicated. Repair is a tombstone
// through the normal path.
func (v *Validator) findExtraRows(ctx context.Context, table string, sample int, tr *TableReport) error {
	liveKeys, err := v.replica.SampleLiveKeys(ctx, table, sample)
	if err != nil {
		return err
	}
	if len(liveKeys) == 0 {
		return nil
	}
	extras, err := v.primary.MissingRows(ctx, table, liveKeys)
	if err != nil {
		return err
	}
	for _, key := range extras {
		tr.ExtraInAnalytical++
		tr.Discrepancies = append(tr.Discrepancies, Discrepancy{Table: table, Key: key, Kind: KindExtraInAnalytical})
		if err := v.primary.EnqueueIntent(ctx, model.IntentDelete, table, key, nil); err != nil {
			v.log.Error("queue tombstone repair", "table", table, "pk", key, "error", err)
			continue
		}
		tr.RepairsQueued++
	}
	return nil
}

// checkPageRefs reports completed scrape pages whose linked page row is
// gone. These are surfaced, not auto-repaired: the right fix (relink or
// re-extract) needs an operator or a rerun.
func (v *Validator) checkPageRefs(ctx context.Context, report *Report, limit int) error {
	refs, err := v.primary.DanglingPageRefs(ctx, limit)
	if err != nil {
		return err
	}
	for _, key := range refs {
		report.DanglingRefs = append(report.DanglingRefs,
			Discrepancy{Table: "scrape_pages", Key: key, Kind: KindDanglingRef})
	}
	if len(refs) > 0 {
		v.log.Warn("dangling page references", "count", len(refs))
	}
	return nil
}

// repairUpsert re-enqueues the primary row through the normal replication
// path.
func (v *Validator) repairUpsert(ctx context.Context, table, primaryKey string) error {
	payload, err := v.primary.RowPayload(ctx, table, primaryKey)
	if err != nil {
		return err
	}
	return v.primary.EnqueueIntent(ctx, model.IntentUpdate, table, primaryKey, payload)
}

// tableScore blends row-count agreement and sample health equally, scaled
// to [0,100]. Extra analytical rows count against the sample the same way
// missing and mismatched ones do.
func tableScore(tr TableReport) float64 {
	countScore := 1.0
	if tr.PrimaryCount != tr.AnalyticalCount {
		larger := tr.PrimaryCount
		smaller := tr.AnalyticalCount
		if smaller > larger {
			larger, smaller = smaller, larger
		}
		if larger > 0 {
			countScore = float64(smaller) / float64(larger)
		}
	}
	sampleScore := 1.0
	if checked := tr.Sampled + tr.ExtraInAnalytical; checked > 0 {
		sampleScore = float64(tr.Matched) / float64(checked)
	}
	return (countScore + sampleScore) / 2 * 100
}

// LastReport returns the most recent validation, or nil before the first
// run.
func (v *Validator) LastReport() *Report {
	return v.lastReport
}
