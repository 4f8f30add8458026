package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/config"
	"hindsight/internal/model"
)

// IntentSource is the slice of the operational store the synchronizer
// drains.
type IntentSource interface {
	ClaimIntents(ctx context.Context, limit int, lease time.Duration) ([]*model.DualWriteIntent, error)
	MarkIntentCommitted(ctx context.Context, id uuid.UUID) error
	ReleaseIntent(ctx context.Context, id uuid.UUID, lastError string) error
	FailIntent(ctx context.Context, in *model.DualWriteIntent, reasonCategory, lastError string) error
	PendingIntentCount(ctx context.Context) (int64, error)
}

// Replica applies intents to the analytical side.
type Replica interface {
	Apply(ctx context.Context, in *model.DualWriteIntent) error
}

// SweepStats summarizes one synchronizer pass.
type SweepStats struct {
	Claimed      int
	Committed    int
	Released     int
	DeadLettered int
}

// Synchronizer drains the dual-write outbox into the analytical store in
// submission order. Failed intents go back to the pool until the attempt
// budget is spent, then to the dead letter queue. Under the weak
// consistency level replication is single-shot: a failed intent is marked
// failed without a dead letter and never retried.
type Synchronizer struct {
	cfg     config.SyncConfig
	source  IntentSource
	replica Replica
	log     *slog.Logger
}

// NewSynchronizer wires the outbox drain loop.
func NewSynchronizer(cfg config.SyncConfig, source IntentSource, replica Replica, log *slog.Logger) *Synchronizer {
	return &Synchronizer{cfg: cfg, source: source, replica: replica, log: log}
}

// Run polls the outbox until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("outbox sweep failed", "error", err)
				continue
			}
			if stats.Claimed > 0 {
				s.log.Debug("outbox sweep",
					"claimed", stats.Claimed,
					"committed", stats.Committed,
					"released", stats.Released,
					"dead_lettered", stats.DeadLettered)
			}
		}
	}
}

// Sweep drains one claimed batch.
func (s *Synchronizer) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	lease := time.Duration(s.cfg.LeaseSeconds) * time.Second
	intents, err := s.source.ClaimIntents(ctx, s.cfg.BatchSize, lease)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(intents)

	for _, in := range intents {
		if err := s.replica.Apply(ctx, in); err != nil {
			s.handleFailure(ctx, in, err, &stats)
			continue
		}
		if err := s.source.MarkIntentCommitted(ctx, in.ID); err != nil {
			return stats, err
		}
		stats.Committed++
	}
	return stats, nil
}

func (s *Synchronizer) handleFailure(ctx context.Context, in *model.DualWriteIntent, applyErr error, stats *SweepStats) {
	if s.cfg.ConsistencyLevel == "weak" {
		// Single-shot replication: park without a dead letter.
		if err := s.source.FailIntent(ctx, in, "", applyErr.Error()); err != nil {
			s.log.Error("fail intent", "intent_id", in.ID, "error", err)
		}
		return
	}
	if in.Attempts >= s.cfg.MaxAttempts {
		s.log.Warn("intent exhausted retries",
			"intent_id", in.ID, "table", in.Table, "pk", in.PrimaryKey,
			"attempts", in.Attempts, "error", applyErr)
		if err := s.source.FailIntent(ctx, in, "replication_exhausted", applyErr.Error()); err != nil {
			s.log.Error("dead letter intent", "intent_id", in.ID, "error", err)
			return
		}
		stats.DeadLettered++
		return
	}
	if err := s.source.ReleaseIntent(ctx, in.ID, applyErr.Error()); err != nil {
		s.log.Error("release intent", "intent_id", in.ID, "error", err)
		return
	}
	stats.Released++
}

// Backlog reports the pending outbox depth for health reporting.
func (s *Synchronizer) Backlog(ctx context.Context) (int64, error) {
	return s.source.PendingIntentCount(ctx)
}
