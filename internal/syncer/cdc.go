package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"hindsight/internal/config"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// ChangeSource is the slice of the operational store the CDC bridge sweeps.
type ChangeSource interface {
	ChangedRowsSince(ctx context.Context, table string, since time.Time, limit int) ([]store.ChangedRow, error)
	GetCheckpoint(ctx context.Context, table string) (*model.CDCCheckpoint, error)
	SetCheckpoint(ctx context.Context, table string, at time.Time) error
	EnqueueIntent(ctx context.Context, op model.IntentOp, table, primaryKey string, payload json.RawMessage) error
}

// ReplicaReader reads replica rows for staleness checks.
type ReplicaReader interface {
	GetRow(ctx context.Context, table, primaryKey string) (*Row, error)
}

// Row is the replica projection the bridge and validator compare against.
type Row struct {
	PayloadHash string
	SubmittedAt time.Time
	Deleted     bool
}

// BridgeStats summarizes one CDC sweep.
type BridgeStats struct {
	Examined  int
	Backfills int
}

// Bridge is the change-data-capture safety net behind the outbox: it
// re-scans monitored tables for rows updated since the last checkpoint
// (minus a grace window) and enqueues synthetic intents for rows the
// replica is missing or has stale. Normal operation backfills nothing; a
// lost intent shows up here within one sweep.
type Bridge struct {
	cfg     config.SyncConfig
	source  ChangeSource
	replica ReplicaReader
	log     *slog.Logger
	now     func() time.Time
}

// NewBridge wires the CDC reconciliation sweep.
func NewBridge(cfg config.SyncConfig, source ChangeSource, replica ReplicaReader, log *slog.Logger) *Bridge {
	return &Bridge{cfg: cfg, source: source, replica: replica, log: log, now: time.Now}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	interval := time.Duration(b.cfg.CDCIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := b.Sweep(ctx)
			if err != nil {
				b.log.Error("cdc sweep failed", "error", err)
				continue
			}
			if stats.Backfills > 0 {
				b.log.Warn("cdc backfilled missed changes",
					"examined", stats.Examined, "backfills", stats.Backfills)
			}
		}
	}
}

// Sweep reconciles every monitored table once.
func (b *Bridge) Sweep(ctx context.Context) (BridgeStats, error) {
	var stats BridgeStats
	grace := time.Duration(b.cfg.CDCGraceMinutes) * time.Minute
	if grace <= 0 {
		grace = 10 * time.Minute
	}

	for _, table := range b.cfg.MonitoredTables {
		tableStats, err := b.sweepTable(ctx, table, grace)
		if err != nil {
			return stats, err
		}
		stats.Examined += tableStats.Examined
		stats.Backfills += tableStats.Backfills
	}
	return stats, nil
}

func (b *Bridge) sweepTable(ctx context.Context, table string, grace time.Duration) (BridgeStats, error) {
	var stats BridgeStats

	var since time.Time
	cp, err := b.source.GetCheckpoint(ctx, table)
	if err != nil {
		return stats, err
	}
	if cp != nil {
		// The grace window re-examines rows near the checkpoint so a sweep
		// racing an in-flight transaction cannot miss its commit.
		since = cp.LastSyncedAt.Add(-grace)
	}

	rows, err := b.source.ChangedRowsSince(ctx, table, since, b.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	highWater := since
	for _, row := range rows {
		stats.Examined++
		if row.UpdatedAt.After(highWater) {
			highWater = row.UpdatedAt
		}
		replica, err := b.replica.GetRow(ctx, table, row.PrimaryKey)
		if err != nil {
			return stats, err
		}
		if replica != nil && !replica.SubmittedAt.Before(row.UpdatedAt) && !replica.Deleted {
			continue
		}
		if err := b.source.EnqueueIntent(ctx, model.IntentUpdate, table, row.PrimaryKey, row.Payload); err != nil {
			return stats, err
		}
		stats.Backfills++
	}

	// Never advance past wall clock minus grace; rows committing late with
	// earlier updated_at stay inside the next sweep's window.
	ceiling := b.now().Add(-grace)
	if highWater.After(ceiling) {
		highWater = ceiling
	}
	if highWater.After(since) {
		if err := b.source.SetCheckpoint(ctx, table, highWater); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
